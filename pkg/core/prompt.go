package core

import (
	"fmt"
	"strings"
	"time"
)

// PromptBuilder renders the readable part of a store as system prompt text.
type PromptBuilder struct {
	store     *Store
	templates *TemplateEngine
}

// NewPromptBuilder returns a builder over s.
func NewPromptBuilder(s *Store) *PromptBuilder {
	return &PromptBuilder{store: s, templates: NewTemplateEngine(s)}
}

// Build emits one "key: value" line per readable key in key order, a write
// instruction on keys the model may rewrite, and the current date and time.
func (b *PromptBuilder) Build() string {
	var lines []string
	for _, e := range b.store.Entries() {
		if !e.Attributes.Readable() {
			continue
		}
		value := b.templates.Value(e)
		line := fmt.Sprintf("%s: %s", e.Key, value)
		if e.Attributes.Writable() {
			line += fmt.Sprintf(". You can rewrite \"%s\" by using the %s tool. This tool DOES NOT append, start your response with the old value (%s)",
				e.Key, ToolName(e.Key), value)
		}
		lines = append(lines, line)
	}
	now := b.store.now()
	lines = append(lines,
		fmt.Sprintf("%s: %s", KeyDate, now.Format(time.DateOnly)),
		fmt.Sprintf("%s: %s", KeyTime, now.Format(time.TimeOnly)),
	)
	return strings.Join(lines, "\n")
}

// SystemPrompt renders the store's system prompt.
func (s *Store) SystemPrompt() string {
	return NewPromptBuilder(s).Build()
}
