// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

// Package ids defines the sortable identifier encoding used for
// operation ids and other range keys.
//
// An encoded integer is its lowercase hex rendering prefixed with a
// single length byte ('a' for one digit, 'b' for two, up to 'p' for
// sixteen), so lexicographic order over encodings equals numeric order
// and encodings are self-delimiting when concatenated.
package ids

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// SystemDeviceID is the reserved device id under which the backend
// mints operation ids on behalf of its own jobs. Real devices are
// allocated ids starting from 1.
const SystemDeviceID = 0

// EncodeUint returns the sortable encoding of v.
func EncodeUint(v uint64) string {
	h := strconv.FormatUint(v, 16)
	return string(rune('a'+len(h)-1)) + h
}

// DecodeUint decodes one encoded integer from the front of s and
// returns it together with the unconsumed remainder of s.
func DecodeUint(s string) (uint64, string, error) {
	if s == "" {
		return 0, "", errors.NotValidf("empty encoded integer")
	}
	n := int(s[0]) - 'a' + 1
	if n < 1 || n > 16 {
		return 0, "", errors.NotValidf("encoded integer prefix %q", s[0])
	}
	if len(s) < 1+n {
		return 0, "", errors.NotValidf("truncated encoded integer %q", s)
	}
	digits := s[1 : 1+n]
	if n > 1 && digits[0] == '0' {
		return 0, "", errors.NotValidf("encoded integer %q", s)
	}
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return 0, "", errors.NotValidf("encoded integer %q", s)
		}
	}
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, "", errors.NotValidf("encoded integer %q", s)
	}
	return v, s[1+n:], nil
}

// NewOperationID returns the id of operation opNum minted by deviceID.
// Ids from the same device sort in allocation order; the device
// encoding comes first so each device owns a contiguous id range.
func NewOperationID(deviceID, opNum uint64) string {
	return EncodeUint(deviceID) + EncodeUint(opNum)
}

// ParseOperationID splits a plain (non-nested) operation id into the
// minting device id and the device-local operation number.
func ParseOperationID(id string) (deviceID, opNum uint64, err error) {
	deviceID, rest, err := DecodeUint(id)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "operation id %q", id)
	}
	opNum, rest, err = DecodeUint(rest)
	if err != nil {
		return 0, 0, errors.Annotatef(err, "operation id %q", id)
	}
	if rest != "" {
		return 0, 0, errors.NotValidf("operation id %q", id)
	}
	return deviceID, opNum, nil
}

// Nested returns the id of an operation spawned while parentID was
// executing. '(' sorts before every character an encoding can start
// with, so a nested id always sorts before its parent and before any
// sibling minted later, and execution order picks it up first.
func Nested(parentID string) string {
	return "(" + parentID + ")"
}

// IsNested reports whether id carries at least one level of nesting.
func IsNested(id string) bool {
	return strings.HasPrefix(id, "(")
}

// Parent strips one level of nesting from id.
func Parent(id string) (string, error) {
	if len(id) < 2 || id[0] != '(' || id[len(id)-1] != ')' {
		return "", errors.NotValidf("nested operation id %q", id)
	}
	return id[1 : len(id)-1], nil
}

// Validate checks that id, after stripping any nesting, decodes to a
// well-formed operation id.
func Validate(id string) error {
	for IsNested(id) {
		parent, err := Parent(id)
		if err != nil {
			return errors.Trace(err)
		}
		id = parent
	}
	if _, _, err := ParseOperationID(id); err != nil {
		return errors.Trace(err)
	}
	return nil
}
