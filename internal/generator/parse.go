package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/tonecoach/internal/practice"
)

// entryStart marks the beginning of one {"c":..,"p":..} unit in the model
// output.
const entryStart = `{"c"`

// errInvalidEntry is wrapped into ErrNoResult when parsed JSON lacks the
// required fields.
var errInvalidEntry = errors.New("entry needs non-empty text and a chars array")

// errUnrepairable is wrapped into ErrNoResult when truncated output started
// a unit but never completed one.
var errUnrepairable = errors.New("truncated before the first complete unit")

// stripFences removes a surrounding Markdown code fence. lang is the
// expected info string ("json", "html"); any other tag, or none, is also
// accepted.
func stripFences(s, lang string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		if len(s) >= len(lang) && strings.EqualFold(s[:len(lang)], lang) {
			s = s[len(lang):]
		} else if i := strings.IndexAny(s, " \t\r\n{<["); i > 0 && !strings.ContainsAny(s[:i], "{}<>[]\"") {
			s = s[i:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// repairTruncated closes a structured response the model cut off, usually
// because it ran into the token limit. The output is trimmed back to the
// last complete unit and the chars array plus the outer object are closed.
//
// Output cut before any unit began gets an empty array. Output that began
// units without finishing one cannot be repaired and reports false.
//
// Truncation inside a unit can leave a plausible but incomplete text; that
// is accepted as a known accuracy risk.
func repairTruncated(s string) (string, bool) {
	if !strings.Contains(s, entryStart) {
		return s + "]}", true
	}
	for idx := strings.LastIndex(s, entryStart); idx >= 0; idx = strings.LastIndex(s[:idx], entryStart) {
		if end, ok := completeUnitEnd(s[idx:]); ok {
			return s[:idx+end] + "]}", true
		}
	}
	return "", false
}

// completeUnitEnd reports the length of the complete unit object at the
// start of tail. Braces inside string values ("c":"}") are handled by
// letting the JSON decoder judge each candidate.
func completeUnitEnd(tail string) (int, bool) {
	for i := 0; i < len(tail); i++ {
		if tail[i] != '}' {
			continue
		}
		var u practice.Unit
		if json.Unmarshal([]byte(tail[:i+1]), &u) == nil {
			return i + 1, true
		}
	}
	return 0, false
}

// parseEntry turns raw model output into a practice entry. Output that does
// not end with "}" is repaired before decoding. Output that does end with
// "}" but fails to decode (cut right after a unit) gets one repair attempt.
// Every failure wraps ErrNoResult.
func parseEntry(raw string) (practice.Entry, error) {
	cleaned := stripFences(raw, "json")
	if !strings.HasSuffix(cleaned, "}") {
		repaired, ok := repairTruncated(cleaned)
		if !ok {
			return practice.Entry{}, fmt.Errorf("%w: %w", ErrNoResult, errUnrepairable)
		}
		return decodeEntry(repaired)
	}
	entry, err := decodeEntry(cleaned)
	if err == nil {
		return entry, nil
	}
	if repaired, ok := repairTruncated(cleaned); ok {
		if entry, rerr := decodeEntry(repaired); rerr == nil {
			return entry, nil
		}
	}
	return practice.Entry{}, err
}

func decodeEntry(cleaned string) (practice.Entry, error) {
	var payload struct {
		Text  string          `json:"text"`
		Chars json.RawMessage `json:"chars"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return practice.Entry{}, fmt.Errorf("%w: decode: %w", ErrNoResult, err)
	}
	chars := strings.TrimSpace(string(payload.Chars))
	if payload.Text == "" || !strings.HasPrefix(chars, "[") {
		return practice.Entry{}, fmt.Errorf("%w: %w", ErrNoResult, errInvalidEntry)
	}

	var units []practice.Unit
	if err := json.Unmarshal(payload.Chars, &units); err != nil {
		return practice.Entry{}, fmt.Errorf("%w: decode chars: %w", ErrNoResult, err)
	}
	if units == nil {
		units = []practice.Unit{}
	}
	return practice.Entry{Text: payload.Text, Chars: units}, nil
}
