// Package prompt renders the instruction text sent to the completion
// service. Templates are versioned data kept under templates/ and looked up
// by operation kind, so output-format instructions can change without
// touching the callers.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// Kind identifies one extraction operation.
type Kind string

const (
	KindAutoComplete        Kind = "autocomplete"
	KindTerminology         Kind = "terminology"
	KindNoteGeneration      Kind = "note_generation"
	KindTreatmentSuggestion Kind = "treatment_suggestion"
	KindFieldExtraction     Kind = "field_extraction"
	KindEHRExtraction       Kind = "ehr_extraction"
)

// Kinds lists every operation kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindAutoComplete,
		KindTerminology,
		KindNoteGeneration,
		KindTreatmentSuggestion,
		KindFieldExtraction,
		KindEHRExtraction,
	}
}

// Terminator is appended to every rendered prompt to bound the model's
// continuation.
const Terminator = "###"

//go:embed templates/*.tmpl
var templateFS embed.FS

type builtin struct {
	kind      Kind
	version   string
	maxTokens int
}

var builtins = []builtin{
	{KindAutoComplete, "v1", 100},
	{KindTerminology, "v1", 100},
	{KindNoteGeneration, "v1", 500},
	{KindTreatmentSuggestion, "v1", 300},
	{KindFieldExtraction, "v1", 400},
	{KindEHRExtraction, "v1", 1500},
}

// Template is one registered instruction template.
type Template struct {
	Kind      Kind
	Version   string
	MaxTokens int

	tmpl *template.Template
}

// Prompt is a fully rendered request for one operation.
type Prompt struct {
	Kind      Kind
	Version   string
	Text      string
	MaxTokens int
}

// Registry maps operation kinds to their active template.
type Registry struct {
	templates map[Kind]*Template
	reserved  []string
}

// NewRegistry loads the built-in templates. reserved lists sequences
// (normally the configured stop sequences) that caller text must not be
// able to inject; the terminator is always reserved.
func NewRegistry(reserved []string) (*Registry, error) {
	r := &Registry{templates: make(map[Kind]*Template)}
	r.reserved = reservedSequences(reserved)

	for _, b := range builtins {
		name := fmt.Sprintf("templates/%s.%s.tmpl", b.kind, b.version)
		body, err := templateFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		if err := r.Register(b.kind, b.version, b.maxTokens, string(body)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register installs or replaces the template for kind.
func (r *Registry) Register(kind Kind, version string, maxTokens int, body string) error {
	if maxTokens <= 0 {
		return fmt.Errorf("template %s/%s: maxTokens must be positive", kind, version)
	}
	t, err := template.New(string(kind) + "." + version).Option("missingkey=error").Parse(body)
	if err != nil {
		return fmt.Errorf("parse template %s/%s: %w", kind, version, err)
	}
	r.templates[kind] = &Template{Kind: kind, Version: version, MaxTokens: maxTokens, tmpl: t}
	return nil
}

// Lookup returns the active template for kind.
func (r *Registry) Lookup(kind Kind) (*Template, bool) {
	t, ok := r.templates[kind]
	return t, ok
}

// Build renders the prompt for kind. An empty context renders as an empty
// string. Caller text is inserted verbatim except for reserved sequences,
// which are broken up so they cannot terminate the prompt early.
func (r *Registry) Build(kind Kind, text, context string) (Prompt, error) {
	t, ok := r.templates[kind]
	if !ok {
		return Prompt{}, fmt.Errorf("no template registered for %q", kind)
	}

	data := struct {
		Text    string
		Context string
	}{
		Text:    r.neutralize(text),
		Context: r.neutralize(context),
	}

	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("render %s/%s: %w", kind, t.Version, err)
	}

	rendered := strings.TrimRight(buf.String(), "\n") + "\n" + Terminator

	return Prompt{
		Kind:      kind,
		Version:   t.Version,
		Text:      rendered,
		MaxTokens: t.MaxTokens,
	}, nil
}

func (r *Registry) neutralize(s string) string {
	for _, seq := range r.reserved {
		broken := breakSequence(seq)
		// A single pass can leave a new occurrence behind ("####" -> "# ###").
		for i := 0; i <= len(s) && strings.Contains(s, seq); i++ {
			s = strings.ReplaceAll(s, seq, broken)
		}
	}
	return s
}

// breakSequence inserts a space after the first rune of seq.
func breakSequence(seq string) string {
	for i := range seq {
		if i > 0 {
			return seq[:i] + " " + seq[i:]
		}
	}
	return seq
}

// reservedSequences dedupes the sequences and orders them longest first so
// that overlapping sequences are handled before their substrings.
func reservedSequences(extra []string) []string {
	seen := map[string]bool{Terminator: true}
	out := []string{Terminator}
	for _, s := range extra {
		s = strings.TrimSpace(s)
		if len([]rune(s)) < 2 || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}
