package core

import (
	"regexp"
	"strings"
)

// placeholderPattern matches "{{ key }}" and the short "{key}" form.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}|\{([\w$.\-/]+)\}`)

// TemplateEngine expands key placeholders against a store.
type TemplateEngine struct {
	store *Store
}

// NewTemplateEngine returns an engine reading from s.
func NewTemplateEngine(s *Store) *TemplateEngine {
	return &TemplateEngine{store: s}
}

// Inject replaces every placeholder in text with the current value of the
// referenced key. Unknown keys become the empty string. Values of keys tagged
// ApplyTemplate are expanded recursively; a reference back to a key already
// being expanded is left as its literal placeholder.
func (t *TemplateEngine) Inject(text string) string {
	return t.expand(text, map[string]bool{})
}

// Value returns the rendered value of an entry, expanded when it is tagged ApplyTemplate.
func (t *TemplateEngine) Value(e Entry) string {
	text := Render(e.Value)
	if !e.Attributes.HasSystemTag(TagApplyTemplate) {
		return text
	}
	return t.expand(text, map[string]bool{e.Key: true})
}

func (t *TemplateEngine) expand(text string, visiting map[string]bool) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		key := groups[1]
		if key == "" {
			key = groups[2]
		}
		key = strings.TrimSpace(key)
		if visiting[key] {
			return match
		}
		return t.resolve(key, visiting)
	})
}

func (t *TemplateEngine) resolve(key string, visiting map[string]bool) string {
	e, ok := t.store.Entry(key)
	if !ok {
		return ""
	}
	text := Render(e.Value)
	if !e.Attributes.HasSystemTag(TagApplyTemplate) {
		return text
	}
	visiting[key] = true
	defer delete(visiting, key)
	return t.expand(text, visiting)
}

// InjectSTM expands placeholders in text against the store.
func (s *Store) InjectSTM(text string) string {
	return NewTemplateEngine(s).Inject(text)
}
