// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package badgerstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/viewfinder/viewfinder/kv"
)

// Items live in a single badger keyspace, one badger key per item:
//
//	<table> 0x00 <component(hash)> [component(range)]
//
// A component is a tag byte followed by an order-preserving rendering
// of the value: int64 as big-endian with the sign bit flipped, string
// as its bytes with 0x00 escaped to 0x00 0xFF and a 0x00 terminator.
// Byte order of encoded keys then matches the contract's key order
// (int64 before string, numeric and lexicographic within a type), so
// RangeQuery and Scan run as plain prefix iterations.
const (
	tagInt64  = 0x01
	tagString = 0x02
)

func tablePrefix(table string) []byte {
	return append([]byte(table), 0x00)
}

func hashPrefix(table string, hash any) []byte {
	return appendComponent(tablePrefix(table), hash)
}

func encodeKey(table string, key kv.Key) []byte {
	raw := appendComponent(tablePrefix(table), key.Hash)
	if key.Range != nil {
		raw = appendComponent(raw, key.Range)
	}
	return raw
}

func appendComponent(dst []byte, v any) []byte {
	switch v := v.(type) {
	case int64:
		dst = append(dst, tagInt64)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
		return append(dst, buf[:]...)
	case string:
		dst = append(dst, tagString)
		for i := 0; i < len(v); i++ {
			if v[i] == 0x00 {
				dst = append(dst, 0x00, 0xFF)
				continue
			}
			dst = append(dst, v[i])
		}
		return append(dst, 0x00)
	}
	panic(errors.Errorf("unencodable key component %v (%T)", v, v))
}

// decodeKey recovers the kv key from a raw badger key within table.
func decodeKey(table string, raw []byte) (kv.Key, error) {
	prefix := tablePrefix(table)
	if !bytes.HasPrefix(raw, prefix) {
		return kv.Key{}, errors.Errorf("key %x outside table %q", raw, table)
	}
	hash, rest, err := decodeComponent(raw[len(prefix):])
	if err != nil {
		return kv.Key{}, errors.Trace(err)
	}
	key := kv.Key{Hash: hash}
	if len(rest) == 0 {
		return key, nil
	}
	key.Range, rest, err = decodeComponent(rest)
	if err != nil {
		return kv.Key{}, errors.Trace(err)
	}
	if len(rest) != 0 {
		return kv.Key{}, errors.Errorf("trailing bytes in key %x", raw)
	}
	return key, nil
}

func decodeComponent(raw []byte) (any, []byte, error) {
	if len(raw) == 0 {
		return nil, nil, errors.New("truncated key component")
	}
	switch raw[0] {
	case tagInt64:
		if len(raw) < 9 {
			return nil, nil, errors.New("truncated int64 key component")
		}
		v := binary.BigEndian.Uint64(raw[1:9]) ^ (1 << 63)
		return int64(v), raw[9:], nil
	case tagString:
		var out []byte
		for i := 1; i < len(raw); i++ {
			if raw[i] != 0x00 {
				out = append(out, raw[i])
				continue
			}
			if i+1 < len(raw) && raw[i+1] == 0xFF {
				out = append(out, 0x00)
				i++
				continue
			}
			return string(out), raw[i+1:], nil
		}
		return nil, nil, errors.New("unterminated string key component")
	}
	return nil, nil, errors.Errorf("unknown key component tag %#x", raw[0])
}

// storedValue is the JSON shape of one attribute value. Exactly one
// field is set; pointers keep zero values (and empty sets)
// distinguishable from absence.
type storedValue struct {
	S  *string   `json:"s,omitempty"`
	N  *int64    `json:"n,omitempty"`
	B  *bool     `json:"b,omitempty"`
	SS *[]string `json:"ss,omitempty"`
}

func encodeAttrs(attrs kv.Attrs) ([]byte, error) {
	doc := make(map[string]storedValue, len(attrs))
	for name, v := range attrs {
		switch v := v.(type) {
		case string:
			doc[name] = storedValue{S: &v}
		case int64:
			doc[name] = storedValue{N: &v}
		case bool:
			doc[name] = storedValue{B: &v}
		case []string:
			doc[name] = storedValue{SS: &v}
		default:
			return nil, errors.NotValidf("attribute %q value %v (%T)", name, v, v)
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

func decodeAttrs(data []byte) (kv.Attrs, error) {
	var doc map[string]storedValue
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Trace(err)
	}
	attrs := make(kv.Attrs, len(doc))
	for name, v := range doc {
		switch {
		case v.S != nil:
			attrs[name] = *v.S
		case v.N != nil:
			attrs[name] = *v.N
		case v.B != nil:
			attrs[name] = *v.B
		case v.SS != nil:
			attrs[name] = *v.SS
		default:
			return nil, errors.Errorf("attribute %q has no value", name)
		}
	}
	return attrs, nil
}
