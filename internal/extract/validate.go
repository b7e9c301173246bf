package extract

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const (
	fieldsSchema = "fields.schema.json"
	ehrSchema    = "ehr.schema.json"
)

func init() {
	jsonschema.Formats["clinical-date"] = func(v interface{}) bool {
		s, ok := v.(string)
		if !ok {
			return true
		}
		_, err := ParseDate(s)
		return err == nil
	}
}

// Validator checks decoded model output against the embedded schemas and
// prunes every value that violates them.
type Validator struct {
	fields *jsonschema.Schema
	ehr    *jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	for _, name := range []string{fieldsSchema, ehrSchema} {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	fields, err := c.Compile(fieldsSchema)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", fieldsSchema, err)
	}
	ehr, err := c.Compile(ehrSchema)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", ehrSchema, err)
	}
	return &Validator{fields: fields, ehr: ehr}, nil
}

// PruneFields removes out-of-domain values from a field extraction
// document in place.
func (v *Validator) PruneFields(doc map[string]any) ([]DroppedField, error) {
	return prune(v.fields, doc)
}

// PruneEHR removes out-of-domain values from a full EHR document in place.
// An affected tooth with a bad or missing number is dropped whole.
func (v *Validator) PruneEHR(doc map[string]any) ([]DroppedField, error) {
	return prune(v.ehr, doc)
}

// pruneTarget is a value to remove: a key of an object or an element of
// an array, addressed by JSON pointer tokens.
type pruneTarget struct {
	tokens []string
	reason string
}

func (t pruneTarget) pointer() string {
	return pointerOf(t.tokens)
}

func prune(schema *jsonschema.Schema, doc map[string]any) ([]DroppedField, error) {
	err := schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}

	targets := collectTargets(verr)
	if len(targets) == 0 {
		return nil, err
	}
	for _, t := range targets {
		if len(t.tokens) == 0 {
			return nil, fmt.Errorf("document rejected: %s", t.reason)
		}
	}

	dropped := make([]DroppedField, 0, len(targets))
	for _, t := range targets {
		dropped = append(dropped, DroppedField{Path: t.pointer(), Reason: t.reason})
	}

	applyTargets(doc, targets)
	return dropped, nil
}

// collectTargets turns the leaf errors of verr into a deduplicated,
// sorted list of removals. Targets inside another target are skipped.
func collectTargets(verr *jsonschema.ValidationError) []pruneTarget {
	byPointer := make(map[string]pruneTarget)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		leaf := parsePointer(e.InstanceLocation)
		t := pruneTarget{tokens: targetFor(leaf), reason: e.Message}
		if len(leaf) > len(t.tokens) {
			t.reason = strings.Join(leaf[len(t.tokens):], ".") + ": " + e.Message
		}
		if _, seen := byPointer[t.pointer()]; !seen {
			byPointer[t.pointer()] = t
		}
	}
	walk(verr)

	pointers := make([]string, 0, len(byPointer))
	for p := range byPointer {
		pointers = append(pointers, p)
	}
	sort.Strings(pointers)

	out := make([]pruneTarget, 0, len(pointers))
	for _, p := range pointers {
		covered := false
		for _, q := range pointers {
			if q != p && (q == "" || strings.HasPrefix(p, q+"/")) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, byPointer[p])
		}
	}
	return out
}

// targetFor widens a failing location to the value that should go. A bad
// tooth number takes its whole tooth entry with it.
func targetFor(leaf []string) []string {
	n := len(leaf)
	if n >= 2 && leaf[n-1] == "toothNumber" && isIndex(leaf[n-2]) {
		return leaf[:n-1]
	}
	return leaf
}

func applyTargets(doc map[string]any, targets []pruneTarget) {
	type elemRemoval struct {
		array []string
		index int
	}
	var removals []elemRemoval

	for _, t := range targets {
		last := t.tokens[len(t.tokens)-1]
		parent := t.tokens[:len(t.tokens)-1]
		if idx, err := strconv.Atoi(last); err == nil {
			if _, isArray := lookup(doc, parent).([]any); isArray {
				removals = append(removals, elemRemoval{array: parent, index: idx})
				continue
			}
		}
		if obj, ok := lookup(doc, parent).(map[string]any); ok {
			delete(obj, last)
		}
	}

	// Highest index first so earlier removals do not shift later ones.
	sort.SliceStable(removals, func(i, j int) bool {
		pi, pj := pointerOf(removals[i].array), pointerOf(removals[j].array)
		if pi != pj {
			return pi < pj
		}
		return removals[i].index > removals[j].index
	})
	for _, r := range removals {
		arr, ok := lookup(doc, r.array).([]any)
		if !ok || r.index < 0 || r.index >= len(arr) {
			continue
		}
		kept := append(arr[:r.index:r.index], arr[r.index+1:]...)
		setAt(doc, r.array, kept)
	}
}

func lookup(doc map[string]any, tokens []string) any {
	var cur any = doc
	for _, tok := range tokens {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[tok]
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func setAt(doc map[string]any, tokens []string, value any) {
	if len(tokens) == 0 {
		return
	}
	parent := lookup(doc, tokens[:len(tokens)-1])
	last := tokens[len(tokens)-1]
	switch node := parent.(type) {
	case map[string]any:
		node[last] = value
	case []any:
		if i, err := strconv.Atoi(last); err == nil && i >= 0 && i < len(node) {
			node[i] = value
		}
	}
}

func parsePointer(p string) []string {
	p = strings.TrimPrefix(p, "#")
	if p == "" || p == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return parts
}

func pointerOf(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	escaped := make([]string, len(tokens))
	for i, tok := range tokens {
		tok = strings.ReplaceAll(tok, "~", "~0")
		escaped[i] = strings.ReplaceAll(tok, "/", "~1")
	}
	return "/" + strings.Join(escaped, "/")
}

func isIndex(tok string) bool {
	_, err := strconv.Atoi(tok)
	return err == nil
}

func (v *Validator) pruneFieldsFunc() pruneFunc {
	if v == nil {
		return nil
	}
	return v.PruneFields
}

func (v *Validator) pruneEHRFunc() pruneFunc {
	if v == nil {
		return nil
	}
	return v.PruneEHR
}
