// Package canonical produces the byte-stable form and digest of off-chain
// records so the same logical record always hashes identically regardless of
// field order, type representation, or null/omission ambiguity.
//
// Rules:
//  1. Object keys are sorted bytewise before serialization.
//  2. A declared field that is omitted, explicitly null, or an empty nested
//     object normalizes to the single null sentinel.
//  3. Date fields normalize to a UTC calendar day; sub-day precision is
//     discarded.
//  4. The normalized form is serialized per RFC 8785 (JCS) and hashed with
//     SHA-256, hex encoded lowercase.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Record is a loosely-typed record as received from upstream validation.
type Record map[string]any

var (
	// ErrInvalidRecord marks a record missing a required field after
	// normalization, or failing its schema. Caller error, never retried.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidDate marks a date field that cannot be parsed. Caller error,
	// never retried.
	ErrInvalidDate = errors.New("invalid date")
)

// Record kinds anchored by the system.
const (
	RecordProduceBatch = "produce_batch"
	RecordClaimOutcome = "claim_outcome"
)

// dayFormat is the single calendar-day convention for date fields.
const dayFormat = "2006-01-02"

// Canonicalize returns the canonical UTF-8 bytes of rec.
func Canonicalize(kind string, rec Record) ([]byte, error) {
	v, err := Normalize(kind, rec)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := v.appendJSON(&buf); err != nil {
		return nil, fmt.Errorf("canonical: serialize: %w", err)
	}
	// The Value encoder already sorts keys and skips HTML escaping; the JCS
	// transform settles number and string formatting per RFC 8785.
	out, err := jcs.Transform(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Digest returns the lowercase hex SHA-256 of the canonical form of rec.
func Digest(kind string, rec Record) (string, error) {
	b, err := Canonicalize(kind, rec)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Normalize validates rec against its kind's schema and returns the normalized
// tagged-variant form. Pure function, safe for concurrent use.
func Normalize(kind string, rec Record) (Value, error) {
	desc, ok := descriptors[kind]
	if !ok {
		return Value{}, fmt.Errorf("%w: unknown record kind %q", ErrInvalidRecord, kind)
	}
	if rec == nil {
		return Value{}, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}

	generic, err := reencode(rec)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := desc.schema.Validate(stripNulls(generic)); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	fields := make(map[string]Value, len(desc.fields)+len(generic))

	// Declared fields always appear; absence collapses to the null sentinel.
	for _, f := range desc.fields {
		raw, present := generic[f.name]
		v, err := normalizeField(f, raw, present)
		if err != nil {
			return Value{}, err
		}
		if f.required && v.IsNull() {
			return Value{}, fmt.Errorf("%w: required field %q is absent", ErrInvalidRecord, f.name)
		}
		fields[f.name] = v
	}

	// Undeclared fields ride along when non-null. A null extra field is
	// dropped so explicit-null and omission stay indistinguishable.
	for name, raw := range generic {
		if _, declared := desc.fieldIndex[name]; declared {
			continue
		}
		v, err := FromAny(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: field %q: %v", ErrInvalidRecord, name, err)
		}
		if v.IsNull() {
			continue
		}
		fields[name] = v
	}

	return Object(fields), nil
}

func normalizeField(f fieldSpec, raw any, present bool) (Value, error) {
	if !present || raw == nil {
		return Null(), nil
	}
	if f.date {
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: field %q is not a string", ErrInvalidDate, f.name)
		}
		day, err := normalizeDay(s)
		if err != nil {
			return Value{}, fmt.Errorf("%w: field %q: %v", ErrInvalidDate, f.name, err)
		}
		return String(day), nil
	}
	v, err := FromAny(raw)
	if err != nil {
		return Value{}, fmt.Errorf("%w: field %q: %v", ErrInvalidRecord, f.name, err)
	}
	// An empty nested structure carries no provenance and collapses to the
	// same sentinel as an absent one.
	if v.Kind() == KindObject && len(v.obj) == 0 {
		return Null(), nil
	}
	return v, nil
}

// normalizeDay parses a timestamp or plain date and returns the UTC calendar
// day. Client clocks and timezones must not influence the digest.
func normalizeDay(s string) (string, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, dayFormat} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(dayFormat), nil
		}
	}
	return "", fmt.Errorf("unparseable date %q", s)
}

// reencode routes rec through encoding/json with UseNumber so numeric fields
// are byte-stable no matter how the caller constructed the map.
func reencode(rec Record) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// stripNulls removes null-valued keys before schema validation, so a schema
// type constraint on an optional field does not reject an explicit null.
func stripNulls(generic map[string]any) map[string]any {
	out := make(map[string]any, len(generic))
	for k, v := range generic {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
