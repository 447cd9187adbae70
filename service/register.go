// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package service

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/core/message"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/state"
)

// registerArgs are the arguments of register_user.
type registerArgs struct {
	Identity   string `json:"identity"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email"`
}

func (a registerArgs) validate() error {
	if err := state.ValidateIdentityKey(a.Identity); err != nil {
		return errors.BadRequestf("malformed identity %q", a.Identity)
	}
	if a.Email == "" {
		return errors.BadRequestf("register_user without email")
	}
	return nil
}

func (a registerArgs) displayName() string {
	switch {
	case a.GivenName == "":
		return a.FamilyName
	case a.FamilyName == "":
		return a.GivenName
	}
	return a.GivenName + " " + a.FamilyName
}

// registerMigrations lifts pre-split documents, which carried a single
// free-form name.
var registerMigrations = []message.Migration{{
	To: message.VersionSplitNames,
	Apply: func(doc map[string]any) error {
		name, ok := doc["name"].(string)
		if !ok {
			return nil
		}
		delete(doc, "name")
		given, family, _ := strings.Cut(name, " ")
		if given != "" {
			doc["given_name"] = given
		}
		if family != "" {
			doc["family_name"] = family
		}
		return nil
	},
}}

// checkRegisterUser rejects registrations whose identity already
// authenticates someone else.
func (svc *service) checkRegisterUser(ctx context.Context, chk *ops.CheckContext) error {
	var args registerArgs
	if err := chk.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	identity, err := chk.State().GetIdentity(ctx, args.Identity)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Trace(err)
	}
	if identity.UserID() != chk.UserID() {
		return errors.Forbiddenf("identity %q is linked to another user", args.Identity)
	}
	return nil
}

// registerUser creates the account row, linking the supplied identity
// through a nested link_identity first when it is not bound yet. The
// resumed parent then finds the identity in place and proceeds.
func (svc *service) registerUser(ctx context.Context, opCtx *ops.OpContext) error {
	var args registerArgs
	if err := opCtx.Args(&args); err != nil {
		return errors.Trace(err)
	}
	if err := args.validate(); err != nil {
		return errors.Trace(err)
	}
	st := opCtx.State()
	identity, err := st.GetIdentity(ctx, args.Identity)
	if errors.IsNotFound(err) {
		return opCtx.Nested(ctx, "link_identity", linkArgs{Identity: args.Identity})
	}
	if err != nil {
		return errors.Trace(err)
	}
	if identity.UserID() != opCtx.UserID() {
		return errors.Forbiddenf("identity %q is linked to another user", args.Identity)
	}

	_, created, err := st.CreateUser(ctx, opCtx.UserID(), state.NewUser{
		Name:  args.displayName(),
		Email: args.Email,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if deviceID := opCtx.Operation().DeviceID(); deviceID > 0 {
		if _, _, err := st.CreateDevice(ctx, opCtx.UserID(), deviceID, state.NewDevice{}); err != nil {
			return errors.Trace(err)
		}
	}
	if created {
		logger.Infof("registered user %d with identity %s", opCtx.UserID(), args.Identity)
	}
	return nil
}

// linkArgs are the arguments of link_identity, the nested child of
// register_user.
type linkArgs struct {
	Identity string `json:"identity"`
}

func (svc *service) linkIdentity(ctx context.Context, opCtx *ops.OpContext) error {
	var args linkArgs
	if err := opCtx.Args(&args); err != nil {
		return errors.Trace(err)
	}
	_, _, err := opCtx.State().LinkIdentity(ctx, args.Identity, opCtx.UserID(), authorityFor(args.Identity))
	if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("linked identity %s to user %d", args.Identity, opCtx.UserID())
	return nil
}
