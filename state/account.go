// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// userDoc holds the stored attributes of a user row.
type userDoc struct {
	Name     string
	Email    string
	SignedUp int64
}

func (doc userDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{
		fieldEmail:    doc.Email,
		fieldSignedUp: doc.SignedUp,
	}
	if doc.Name != "" {
		attrs[fieldName] = doc.Name
	}
	return attrs
}

func userDocFromAttrs(attrs kv.Attrs) (userDoc, error) {
	if attrs.String(fieldEmail) == "" {
		return userDoc{}, errors.Errorf("user row without email")
	}
	return userDoc{
		Name:     attrs.String(fieldName),
		Email:    attrs.String(fieldEmail),
		SignedUp: attrs.Int64(fieldSignedUp),
	}, nil
}

// User is one registered account.
type User struct {
	id  int64
	doc userDoc
}

// ID returns the user id.
func (u *User) ID() int64 { return u.id }

// Name returns the display name, or "".
func (u *User) Name() string { return u.doc.Name }

// Email returns the registered email address.
func (u *User) Email() string { return u.doc.Email }

// SignedUp returns the registration time in UTC seconds.
func (u *User) SignedUp() int64 { return u.doc.SignedUp }

// NewUser describes a user row to create.
type NewUser struct {
	Name  string
	Email string
}

// CreateUser inserts a user row. An existing row with the same id is
// returned unchanged with created == false, so replays of the
// registering operation are no-ops.
func (st *State) CreateUser(ctx context.Context, userID int64, p NewUser) (u *User, created bool, err error) {
	if p.Email == "" {
		return nil, false, errors.NotValidf("user without email")
	}
	doc := userDoc{
		Name:     p.Name,
		Email:    p.Email,
		SignedUp: st.now(),
	}
	err = st.putAttrs(ctx, userTable, kv.Key{Hash: userID},
		doc.attrs(), kv.Expected{fieldEmail: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetUser(ctx, userID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &User{id: userID, doc: doc}, true, nil
}

// GetUser fetches one user row.
func (st *State) GetUser(ctx context.Context, userID int64) (*User, error) {
	attrs, err := st.getAttrs(ctx, userTable, kv.Key{Hash: userID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := userDocFromAttrs(attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "user %d", userID)
	}
	return &User{id: userID, doc: doc}, nil
}

// identityDoc holds the stored attributes of an identity row.
type identityDoc struct {
	UserID    int64
	Authority string
}

func (doc identityDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{fieldUserID: doc.UserID}
	if doc.Authority != "" {
		attrs[fieldAuthority] = doc.Authority
	}
	return attrs
}

// Identity links an external identity key like "Email:ben@example.com"
// to the user it authenticates.
type Identity struct {
	key string
	doc identityDoc
}

// Key returns the identity key.
func (i *Identity) Key() string { return i.key }

// UserID returns the linked user.
func (i *Identity) UserID() int64 { return i.doc.UserID }

// Authority returns the verifying authority, or "".
func (i *Identity) Authority() string { return i.doc.Authority }

// ValidateIdentityKey checks the "<scheme>:<value>" shape shared by
// every identity key.
func ValidateIdentityKey(key string) error {
	scheme, value, ok := strings.Cut(key, ":")
	if !ok || scheme == "" || value == "" {
		return errors.NotValidf("identity key %q", key)
	}
	return nil
}

// LinkIdentity binds an identity key to a user. An identity already
// bound to the same user is returned unchanged with created == false;
// one bound to a different user fails with AlreadyExists, since
// rebinding identities is an account-merge concern handled elsewhere.
func (st *State) LinkIdentity(ctx context.Context, key string, userID int64, authority string) (i *Identity, created bool, err error) {
	if err := ValidateIdentityKey(key); err != nil {
		return nil, false, errors.Trace(err)
	}
	doc := identityDoc{UserID: userID, Authority: authority}
	err = st.putAttrs(ctx, identityTable, kv.Key{Hash: key},
		doc.attrs(), kv.Expected{fieldUserID: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetIdentity(ctx, key)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		if existing.UserID() != userID {
			return nil, false, errors.AlreadyExistsf("identity %q linked to user %d", key, existing.UserID())
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Identity{key: key, doc: doc}, true, nil
}

// GetIdentity fetches one identity row.
func (st *State) GetIdentity(ctx context.Context, key string) (*Identity, error) {
	attrs, err := st.getAttrs(ctx, identityTable, kv.Key{Hash: key}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !attrs.Has(fieldUserID) {
		return nil, errors.Errorf("identity row %q without user", key)
	}
	return &Identity{key: key, doc: identityDoc{
		UserID:    attrs.Int64(fieldUserID),
		Authority: attrs.String(fieldAuthority),
	}}, nil
}

// deviceDoc holds the stored attributes of a device row.
type deviceDoc struct {
	Name       string
	PushToken  string
	LastAccess int64
}

func (doc deviceDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{fieldLastAccess: doc.LastAccess}
	if doc.Name != "" {
		attrs[fieldName] = doc.Name
	}
	if doc.PushToken != "" {
		attrs[fieldPushToken] = doc.PushToken
	}
	return attrs
}

func deviceDocFromAttrs(attrs kv.Attrs) deviceDoc {
	return deviceDoc{
		Name:       attrs.String(fieldName),
		PushToken:  attrs.String(fieldPushToken),
		LastAccess: attrs.Int64(fieldLastAccess),
	}
}

// Device is one mobile or web client of a user; push tokens for alert
// delivery live here.
type Device struct {
	st     *State
	userID int64
	id     int64
	doc    deviceDoc
}

// UserID returns the owning user.
func (d *Device) UserID() int64 { return d.userID }

// ID returns the device id, unique within the user.
func (d *Device) ID() int64 { return d.id }

// Name returns the client-reported device name, or "".
func (d *Device) Name() string { return d.doc.Name }

// PushToken returns the alert push token, or "".
func (d *Device) PushToken() string { return d.doc.PushToken }

// LastAccess returns the UTC second the device last touched the
// backend.
func (d *Device) LastAccess() int64 { return d.doc.LastAccess }

// SetPushToken records the device's alert push token. The write is an
// unconditional merge, like the watermark row: tokens are
// last-writer-wins by nature.
func (d *Device) SetPushToken(ctx context.Context, token string) error {
	attrs := kv.Attrs{fieldPushToken: token, fieldLastAccess: d.st.now()}
	if token == "" {
		attrs[fieldPushToken] = nil
	}
	err := d.st.putAttrs(ctx, deviceTable, kv.Key{Hash: d.userID, Range: d.id}, attrs, nil)
	if err != nil {
		return errors.Annotatef(err, "updating push token of device %d/%d", d.userID, d.id)
	}
	d.doc.PushToken = token
	d.doc.LastAccess = attrs.Int64(fieldLastAccess)
	return nil
}

// Touch stamps the device's last access time.
func (d *Device) Touch(ctx context.Context) error {
	now := d.st.now()
	err := d.st.putAttrs(ctx, deviceTable, kv.Key{Hash: d.userID, Range: d.id},
		kv.Attrs{fieldLastAccess: now}, nil)
	if err != nil {
		return errors.Annotatef(err, "touching device %d/%d", d.userID, d.id)
	}
	d.doc.LastAccess = now
	return nil
}

// NewDevice describes a device row to create.
type NewDevice struct {
	Name      string
	PushToken string
}

// CreateDevice inserts a device row; an existing row is returned
// unchanged with created == false.
func (st *State) CreateDevice(ctx context.Context, userID, deviceID int64, p NewDevice) (d *Device, created bool, err error) {
	if deviceID <= 0 {
		return nil, false, errors.NotValidf("device id %d", deviceID)
	}
	doc := deviceDoc{
		Name:       p.Name,
		PushToken:  p.PushToken,
		LastAccess: st.now(),
	}
	err = st.putAttrs(ctx, deviceTable, kv.Key{Hash: userID, Range: deviceID},
		doc.attrs(), kv.Expected{fieldLastAccess: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetDevice(ctx, userID, deviceID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	return &Device{st: st, userID: userID, id: deviceID, doc: doc}, true, nil
}

// GetDevice fetches one device row.
func (st *State) GetDevice(ctx context.Context, userID, deviceID int64) (*Device, error) {
	attrs, err := st.getAttrs(ctx, deviceTable, kv.Key{Hash: userID, Range: deviceID}, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Device{st: st, userID: userID, id: deviceID, doc: deviceDocFromAttrs(attrs)}, nil
}

// Devices returns all of a user's device rows in device id order.
func (st *State) Devices(ctx context.Context, userID int64) ([]*Device, error) {
	items, err := st.rangeQuery(ctx, kv.Query{Table: deviceTable, Hash: userID})
	if err != nil {
		return nil, errors.Trace(err)
	}
	devices := make([]*Device, 0, len(items))
	for _, it := range items {
		deviceID, ok := it.Key.Range.(int64)
		if !ok {
			logger.Warningf("ignoring device row with bad id key %v", it.Key)
			continue
		}
		devices = append(devices, &Device{
			st:     st,
			userID: userID,
			id:     deviceID,
			doc:    deviceDocFromAttrs(it.Attrs),
		})
	}
	return devices, nil
}
