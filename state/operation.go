// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// operationDoc holds the stored attributes of an operation row.
type operationDoc struct {
	DeviceID            int64
	Method              string
	JSON                string
	Attempts            int64
	Backoff             int64
	Quarantine          bool
	Timestamp           int64
	Checkpoint          string
	HasCheckpoint       bool
	TriggeredFailpoints []string
}

func (doc operationDoc) attrs() kv.Attrs {
	attrs := kv.Attrs{
		fieldDeviceID:  doc.DeviceID,
		fieldMethod:    doc.Method,
		fieldJSON:      doc.JSON,
		fieldAttempts:  doc.Attempts,
		fieldBackoff:   doc.Backoff,
		fieldTimestamp: doc.Timestamp,
	}
	if doc.Quarantine {
		attrs[fieldQuarantine] = true
	}
	if doc.HasCheckpoint {
		attrs[fieldCheckpoint] = doc.Checkpoint
	}
	if len(doc.TriggeredFailpoints) > 0 {
		attrs[fieldTriggeredFailpoints] = doc.TriggeredFailpoints
	}
	return attrs
}

func operationDocFromAttrs(attrs kv.Attrs) (operationDoc, error) {
	if attrs.String(fieldMethod) == "" {
		return operationDoc{}, errors.Errorf("operation row without method")
	}
	return operationDoc{
		DeviceID:            attrs.Int64(fieldDeviceID),
		Method:              attrs.String(fieldMethod),
		JSON:                attrs.String(fieldJSON),
		Attempts:            attrs.Int64(fieldAttempts),
		Backoff:             attrs.Int64(fieldBackoff),
		Quarantine:          attrs.Bool(fieldQuarantine),
		Timestamp:           attrs.Int64(fieldTimestamp),
		Checkpoint:          attrs.String(fieldCheckpoint),
		HasCheckpoint:       attrs.Has(fieldCheckpoint),
		TriggeredFailpoints: attrs.StringSet(fieldTriggeredFailpoints),
	}, nil
}

func operationKey(userID int64, opID string) kv.Key {
	return kv.Key{Hash: userID, Range: opID}
}

// Operation is one persisted entry in a user's operation log. The
// struct caches the row as last read; only the holder of the user's
// op lock may mutate it.
type Operation struct {
	st     *State
	userID int64
	id     string
	doc    operationDoc
}

// UserID returns the owning user.
func (op *Operation) UserID() int64 {
	return op.userID
}

// ID returns the operation id, unique within the user's log.
func (op *Operation) ID() string {
	return op.id
}

// DeviceID returns the device that submitted the operation.
func (op *Operation) DeviceID() int64 {
	return op.doc.DeviceID
}

// Method names the registered handler for the operation.
func (op *Operation) Method() string {
	return op.doc.Method
}

// Args returns the operation's argument document as JSON.
func (op *Operation) Args() string {
	return op.doc.JSON
}

// Attempts counts the failed executions so far.
func (op *Operation) Attempts() int64 {
	return op.doc.Attempts
}

// Backoff returns the UTC second before which the operation must not
// run again; 0 means it is ready now.
func (op *Operation) Backoff() int64 {
	return op.doc.Backoff
}

// Quarantined reports whether the operation has been set aside for
// manual inspection.
func (op *Operation) Quarantined() bool {
	return op.doc.Quarantine
}

// Timestamp returns the operation's creation time in UTC seconds.
func (op *Operation) Timestamp() int64 {
	return op.doc.Timestamp
}

// Checkpoint returns the handler's saved progress marker, if any.
func (op *Operation) Checkpoint() (string, bool) {
	return op.doc.Checkpoint, op.doc.HasCheckpoint
}

// HasTriggeredFailpoint reports whether the named failpoint already
// fired during an earlier execution of this operation.
func (op *Operation) HasTriggeredFailpoint(marker string) bool {
	for _, m := range op.doc.TriggeredFailpoints {
		if m == marker {
			return true
		}
	}
	return false
}

// stillExists conditions a mutation on the row not having been
// deleted under us.
func (op *Operation) stillExists() kv.Expected {
	return kv.Expected{fieldMethod: kv.Equals(op.doc.Method)}
}

// SetCheckpoint persists the handler's progress marker, replacing any
// previous one.
func (op *Operation) SetCheckpoint(ctx context.Context, checkpoint string) error {
	err := op.st.putAttrs(ctx, operationTable, operationKey(op.userID, op.id),
		kv.Attrs{fieldCheckpoint: checkpoint}, op.stillExists())
	if err != nil {
		return errors.Annotatef(err, "checkpointing operation %s", op.id)
	}
	op.doc.Checkpoint = checkpoint
	op.doc.HasCheckpoint = true
	return nil
}

// RecordFailure bumps the attempt counter and parks the operation
// until the given UTC second.
func (op *Operation) RecordFailure(ctx context.Context, backoff int64) error {
	attempts := op.doc.Attempts + 1
	err := op.st.putAttrs(ctx, operationTable, operationKey(op.userID, op.id),
		kv.Attrs{fieldAttempts: attempts, fieldBackoff: backoff}, op.stillExists())
	if err != nil {
		return errors.Annotatef(err, "recording failure of operation %s", op.id)
	}
	op.doc.Attempts = attempts
	op.doc.Backoff = backoff
	return nil
}

// SetQuarantine removes the operation from normal scheduling, leaving
// the row in place for inspection and replay tooling.
func (op *Operation) SetQuarantine(ctx context.Context) error {
	err := op.st.putAttrs(ctx, operationTable, operationKey(op.userID, op.id),
		kv.Attrs{fieldQuarantine: true}, op.stillExists())
	if err != nil {
		return errors.Annotatef(err, "quarantining operation %s", op.id)
	}
	op.doc.Quarantine = true
	return nil
}

// AddTriggeredFailpoint records that the named failpoint fired, so a
// replay of the operation sails past it.
func (op *Operation) AddTriggeredFailpoint(ctx context.Context, marker string) error {
	if op.HasTriggeredFailpoint(marker) {
		return nil
	}
	markers := append(append([]string(nil), op.doc.TriggeredFailpoints...), marker)
	err := op.st.putAttrs(ctx, operationTable, operationKey(op.userID, op.id),
		kv.Attrs{fieldTriggeredFailpoints: markers}, op.stillExists())
	if err != nil {
		return errors.Annotatef(err, "recording failpoint on operation %s", op.id)
	}
	op.doc.TriggeredFailpoints = markers
	return nil
}

// Delete removes the operation row; done after successful execution.
func (op *Operation) Delete(ctx context.Context) error {
	return errors.Annotatef(
		op.st.deleteItem(ctx, operationTable, operationKey(op.userID, op.id), nil),
		"deleting operation %s", op.id)
}

// NewOperation describes an operation row to create.
type NewOperation struct {
	// DeviceID is the submitting device.
	DeviceID int64
	// Method names the handler to run.
	Method string
	// Args is the canonical JSON of the (already migrated) argument
	// document.
	Args string
	// Timestamp is the client's operation time in UTC seconds; 0
	// stamps the current time.
	Timestamp int64
}

// CreateOperation inserts an operation row with a fresh attempt
// count, ready to run immediately. If a row with the same id already
// exists it is returned unchanged with created == false, which is how
// client retries of the same submission stay idempotent.
func (st *State) CreateOperation(ctx context.Context, userID int64, opID string, p NewOperation) (op *Operation, created bool, err error) {
	if opID == "" {
		return nil, false, errors.NotValidf("empty operation id")
	}
	if p.Method == "" {
		return nil, false, errors.NotValidf("operation without method")
	}
	ts := p.Timestamp
	if ts == 0 {
		ts = st.now()
	}
	doc := operationDoc{
		DeviceID:  p.DeviceID,
		Method:    p.Method,
		JSON:      p.Args,
		Timestamp: ts,
	}
	err = st.putAttrs(ctx, operationTable, operationKey(userID, opID),
		doc.attrs(), kv.Expected{fieldMethod: kv.Absent()})
	if kv.IsConditionFailed(err) {
		existing, err := st.GetOperation(ctx, userID, opID)
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, errors.Annotatef(err, "creating operation %s for user %d", opID, userID)
	}
	return &Operation{st: st, userID: userID, id: opID, doc: doc}, true, nil
}

// GetOperation fetches one operation row.
func (st *State) GetOperation(ctx context.Context, userID int64, opID string) (*Operation, error) {
	attrs, err := st.getAttrs(ctx, operationTable, operationKey(userID, opID), nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	doc, err := operationDocFromAttrs(attrs)
	if err != nil {
		return nil, errors.Annotatef(err, "operation %s for user %d", opID, userID)
	}
	return &Operation{st: st, userID: userID, id: opID, doc: doc}, nil
}

// OperationsForUser returns up to limit of the user's operations in
// execution order, resuming after the given id ("" starts from the
// front of the log).
func (st *State) OperationsForUser(ctx context.Context, userID int64, after string, limit int) ([]*Operation, error) {
	q := kv.Query{
		Table: operationTable,
		Hash:  userID,
		Limit: limit,
	}
	if after != "" {
		q.Start = after
	}
	items, err := st.rangeQuery(ctx, q)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ops := make([]*Operation, 0, len(items))
	for _, it := range items {
		doc, err := operationDocFromAttrs(it.Attrs)
		if err != nil {
			logger.Warningf("ignoring bad operation row %v: %v", it.Key, err)
			continue
		}
		opID, ok := it.Key.Range.(string)
		if !ok {
			logger.Warningf("ignoring operation row with bad id key %v", it.Key)
			continue
		}
		ops = append(ops, &Operation{st: st, userID: userID, id: opID, doc: doc})
	}
	return ops, nil
}

// NextFailedOperations walks the operation table for rows whose
// backoff has passed, skipping quarantined rows, and returns a cursor
// to resume the walk; nil means the walk is complete. Freshly created
// rows carry backoff 0, so the walk also picks up operations whose
// creating server died before running them.
func (st *State) NextFailedOperations(ctx context.Context, before int64, limit int, start *kv.Key) ([]*Operation, *kv.Key, error) {
	filter := &kv.Filter{Field: fieldBackoff, Cmp: kv.CmpLE, Value: before}
	items, next, err := st.scan(ctx, operationTable, filter, limit, start)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	ops := make([]*Operation, 0, len(items))
	for _, it := range items {
		doc, err := operationDocFromAttrs(it.Attrs)
		if err != nil {
			logger.Warningf("ignoring bad operation row %v: %v", it.Key, err)
			continue
		}
		if doc.Quarantine {
			continue
		}
		userID, ok := it.Key.Hash.(int64)
		if !ok {
			logger.Warningf("ignoring operation row with bad user key %v", it.Key)
			continue
		}
		opID, ok := it.Key.Range.(string)
		if !ok {
			logger.Warningf("ignoring operation row with bad id key %v", it.Key)
			continue
		}
		ops = append(ops, &Operation{st: st, userID: userID, id: opID, doc: doc})
	}
	return ops, next, nil
}
