package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FindJSONObject returns the text from the first '{' to the last '}'
// inclusive. ok is false when either brace is missing or they are out of
// order.
func FindJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || start >= end {
		return "", false
	}
	return raw[start : end+1], true
}

// ParseLines splits a completion into trimmed non-empty lines, keeps those
// accepted by keep (nil keeps all) and returns at most limit of them
// (limit <= 0 means no cap). The result is never nil.
func ParseLines(raw string, limit int, keep func(string) bool) []string {
	out := make([]string, 0)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if keep != nil && !keep(line) {
			continue
		}
		out = append(out, line)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// knownKeys maps a folded key (lower case, no '_' or '-') to the field
// name used by the result shapes.
var knownKeys = func() map[string]string {
	names := []string{
		"diagnosis", "symptoms", "treatments", "periodontalStatus", "medications", "affectedTeeth",
		"allergies", "medicalAlerts", "xRayFindings", "clinicalNotes", "recommendations", "history",
		"procedures", "xRays",
		"name", "dosage", "frequency", "duration",
		"description", "date",
		"toothNumber", "condition", "treatment",
		"type", "findings",
	}
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[foldKey(n)] = n
	}
	return m
}()

func foldKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// decodeDocument parses candidate as a JSON object and rewrites its keys
// to the canonical field names. Numbers are kept as json.Number, except
// integral floats such as 14.0 which become 14.
func decodeDocument(candidate string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("top-level value is not an object")
	}
	return canonicalize(obj).(map[string]any), nil
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]any, len(t))
		exact := make(map[string]bool, len(t))
		for _, k := range keys {
			name, ok := knownKeys[foldKey(k)]
			if !ok {
				name = k
			}
			// An exact spelling wins over a fuzzy match of the same field.
			if _, seen := out[name]; seen && (exact[name] || k != name) {
				continue
			}
			out[name] = canonicalize(t[k])
			exact[name] = k == name
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	case json.Number:
		return integralNumber(t)
	default:
		return v
	}
}

func integralNumber(n json.Number) json.Number {
	if _, err := n.Int64(); err == nil {
		return n
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return n
	}
	return json.Number(strconv.FormatInt(int64(f), 10))
}

// decodeInto re-encodes doc and decodes it into dst.
func decodeInto(doc map[string]any, dst any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.NewDecoder(bytes.NewReader(data)).Decode(dst)
}

// ParseFieldExtraction turns a completion into a FieldExtraction. It never
// fails: an unusable completion yields the empty result with Fault set.
// A nil validator skips the domain check.
func ParseFieldExtraction(raw string, v *Validator) Outcome[FieldExtraction] {
	var doc fieldsDocument
	dropped, fault := decodeCompletion(raw, &doc, v.pruneFieldsFunc())
	if fault != nil {
		return Outcome[FieldExtraction]{Result: EmptyFieldExtraction(), Fault: fault}
	}
	return Outcome[FieldExtraction]{Result: mapFields(doc), Dropped: dropped}
}

// ParseEHR turns a completion into EHRFields, with the same fallback
// policy as ParseFieldExtraction.
func ParseEHR(raw string, v *Validator) Outcome[EHRFields] {
	var doc ehrDocument
	dropped, fault := decodeCompletion(raw, &doc, v.pruneEHRFunc())
	if fault != nil {
		return Outcome[EHRFields]{Result: EmptyEHRFields(), Fault: fault}
	}
	return Outcome[EHRFields]{Result: mapEHR(doc), Dropped: dropped}
}

type pruneFunc func(map[string]any) ([]DroppedField, error)

func decodeCompletion(raw string, dst any, prune pruneFunc) ([]DroppedField, error) {
	candidate, ok := FindJSONObject(raw)
	if !ok {
		return nil, &ParseFault{Reason: "no JSON object in completion"}
	}
	doc, err := decodeDocument(candidate)
	if err != nil {
		return nil, &ParseFault{Reason: "invalid JSON", Err: err}
	}

	var dropped []DroppedField
	if prune != nil {
		dropped, err = prune(doc)
		if err != nil {
			return nil, &ParseFault{Reason: "schema validation", Err: err}
		}
	}

	if err := decodeInto(doc, dst); err != nil {
		return nil, &ParseFault{Reason: "unexpected shape", Err: err}
	}
	return dropped, nil
}
