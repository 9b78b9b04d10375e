// Package validation hardens caller-supplied identifiers and request
// bodies against injection into document-store queries, matching the
// unknown-field diffing and identifier-parsing idioms this core's teacher
// stack applies at its HTTP boundary.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

// Identifier trims, length-checks, and charset-checks a caller-supplied
// identifier field (wallet id, event scope, escrow id) before it is used
// in any store filter. '$' and '.' are rejected outright: both are
// operator-introducing characters in MongoDB document queries, and a raw
// '$'-prefixed key reaching a filter map can reinterpret a supposedly
// literal equality match as an operator expression.
func Identifier(raw string, maxLen int) (string, error) {
	s := strings.TrimSpace(raw)

	if s == "" {
		return "", merr.ValidationError{Field: "identifier", Message: "must not be empty"}
	}

	if len(s) > maxLen {
		return "", merr.ValidationError{Field: "identifier", Message: fmt.Sprintf("must be at most %d characters", maxLen)}
	}

	if strings.ContainsAny(s, "$.") {
		return "", merr.ValidationError{Field: "identifier", Message: "must not contain '$' or '.'"}
	}

	for _, r := range s {
		if !isAllowedIdentifierRune(r) {
			return "", merr.ValidationError{Field: "identifier", Message: "contains a disallowed character"}
		}
	}

	return s, nil
}

func isAllowedIdentifierRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == ':'
}

// UUIDv4 parses s as a UUID, rejecting anything that fails to parse.
// Matches ParseUUIDPathParameters's fail-closed behavior: a malformed id
// never reaches a repository lookup.
func UUIDv4(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, merr.ValidationError{Field: "id", Message: "must be a valid UUID", Err: err}
	}

	return id, nil
}

// RejectUnknownFields decodes raw into dst, re-marshals dst, and diffs the
// top-level keys of the re-marshaled JSON against the original. Any key
// present in raw but absent from the re-marshaled form was not recognized
// by dst's schema and is reported as an error, matching the teacher's
// decode-reencode-diff technique for catching typos and injected fields
// that would otherwise silently vanish into Go's permissive JSON decoder.
func RejectUnknownFields(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return merr.ValidationError{Field: "body", Message: "malformed JSON", Err: err}
	}

	marshaled, err := json.Marshal(dst)
	if err != nil {
		return merr.ValidationError{Field: "body", Message: "could not re-encode for validation", Err: err}
	}

	var originalMap, marshaledMap map[string]any

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&originalMap); err != nil {
		return merr.ValidationError{Field: "body", Message: "malformed JSON object", Err: err}
	}

	if err := json.Unmarshal(marshaled, &marshaledMap); err != nil {
		return merr.ValidationError{Field: "body", Message: "could not re-decode for validation", Err: err}
	}

	var unknown []string

	for key := range originalMap {
		if _, ok := marshaledMap[key]; !ok {
			unknown = append(unknown, key)
		}
	}

	if len(unknown) > 0 {
		return merr.ValidationError{
			Field:   strings.Join(unknown, ", "),
			Message: "unrecognized field(s) in request body",
		}
	}

	return nil
}
