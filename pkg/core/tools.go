package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

const toolPrefix = "write_"

// Tool describes a write tool offered to a language model for one key.
type Tool struct {
	Name        string  `json:"name"`
	Key         string  `json:"key"`
	Type        KeyType `json:"type"`
	Description string  `json:"description"`
}

// ToolName derives the tool name for key. Characters outside [A-Za-z0-9_-]
// become underscores.
func ToolName(key string) string {
	var b strings.Builder
	b.WriteString(toolPrefix)
	for _, r := range key {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

func toolWritable(t KeyType) bool {
	return t == TypeText || t == TypeJSON || t == TypeDocument
}

// Tools lists a write tool for every LLMWrite key holding text, json or a document.
func (s *Store) Tools() []Tool {
	var tools []Tool
	for _, e := range s.Entries() {
		if !e.Attributes.Writable() || !toolWritable(e.Attributes.Type) {
			continue
		}
		tools = append(tools, Tool{
			Name:        ToolName(e.Key),
			Key:         e.Key,
			Type:        e.Attributes.Type,
			Description: fmt.Sprintf("Replace the value of %q. The new value fully overwrites the old one.", e.Key),
		})
	}
	return tools
}

// ExecuteTool runs a write tool by name with the model-supplied value. Keys
// lacking the LLMWrite tag are rejected with a PermissionError.
func (s *Store) ExecuteTool(name, value string) (*Change, error) {
	if !strings.HasPrefix(name, toolPrefix) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown tool %q", name)}
	}
	var (
		entry Entry
		found bool
	)
	for _, e := range s.Entries() {
		if ToolName(e.Key) == name {
			entry, found = e, true
			break
		}
	}
	if !found {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown tool %q", name), Err: ErrNotFound}
	}
	if !entry.Attributes.Writable() {
		return nil, &PermissionError{Key: entry.Key, Op: "tool write", Reason: "key is not tagged LLMWrite"}
	}

	m := Mutation{Key: entry.Key, Origin: OriginLLM}
	switch entry.Attributes.Type {
	case TypeText:
		m.Kind, m.Value = MutationSet, TextValue(value)
	case TypeJSON:
		m.Kind = MutationSet
		if json.Valid([]byte(value)) {
			m.Value = JSONValue(value)
		} else {
			v, err := NewJSON(value)
			if err != nil {
				return nil, err
			}
			m.Value = v
		}
	case TypeDocument:
		m.Kind, m.Text = MutationDocReplace, value
	default:
		return nil, &PermissionError{Key: entry.Key, Op: "tool write", Reason: fmt.Sprintf("%s keys are not writable by tools", entry.Attributes.Type)}
	}
	return s.Apply(m)
}
