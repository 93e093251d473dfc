package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/crdt"
)

// DefaultTitle heads every Markdown export.
const DefaultTitle = "mindcache export"

// MarkdownSerializer writes one section per key:
//
//	## key
//
//	```yaml
//	type: text
//	systemTags: [SystemPrompt, LLMWrite]
//	```
//
//	```text
//	value
//	```
//
// The attribute block is optional on import; without it the value fence's
// language decides the type. Value fences are longer than any backtick run
// inside the value.
type MarkdownSerializer struct {
	Title string
}

// NewMarkdownSerializer returns a serializer using DefaultTitle.
func NewMarkdownSerializer() *MarkdownSerializer {
	return &MarkdownSerializer{Title: DefaultTitle}
}

type entryHeader struct {
	Type        core.KeyType     `yaml:"type"`
	ContentType string           `yaml:"contentType,omitempty"`
	ContentTags []string         `yaml:"contentTags,omitempty,flow"`
	SystemTags  []core.SystemTag `yaml:"systemTags,omitempty,flow"`
	ZIndex      int              `yaml:"zIndex,omitempty"`
	UpdatedAt   int64            `yaml:"updatedAt,omitempty"`
}

func (s *MarkdownSerializer) Serialize(snap core.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	title := s.Title
	if title == "" {
		title = DefaultTitle
	}
	fmt.Fprintf(&buf, "# %s\n", title)

	for _, e := range snap.Entries {
		value, err := markdownValue(e)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", e.Key, err)
		}
		meta, err := yaml.Marshal(entryHeader{
			Type:        e.Attributes.Type,
			ContentType: e.Attributes.ContentType,
			ContentTags: e.Attributes.ContentTags,
			SystemTags:  e.Attributes.SystemTags,
			ZIndex:      e.Attributes.ZIndex,
			UpdatedAt:   e.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", e.Key, err)
		}
		fence := fenceFor(value)
		fmt.Fprintf(&buf, "\n## %s\n\n```yaml\n%s```\n\n", e.Key, meta)
		fmt.Fprintf(&buf, "%s%s\n%s\n%s\n", fence, e.Attributes.Type, value, fence)
	}
	return buf.Bytes(), nil
}

func markdownValue(e core.SnapshotEntry) (string, error) {
	switch e.Attributes.Type {
	case core.TypeJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, e.Value, "", "  "); err != nil {
			return "", err
		}
		return buf.String(), nil
	case core.TypeDocument:
		p, err := core.DecodeDocumentPayload(e.Value)
		if err != nil {
			return "", err
		}
		if len(p.Ops) == 0 {
			return p.Text, nil
		}
		doc, err := crdt.Load("", p.Ops)
		if err != nil {
			return "", err
		}
		return doc.Text(), nil
	}
	var text string
	if len(e.Value) > 0 {
		if err := json.Unmarshal(e.Value, &text); err != nil {
			return "", err
		}
	}
	return text, nil
}

// fenceFor returns a backtick fence longer than any backtick run in value.
func fenceFor(value string) string {
	longest, run := 0, 0
	for _, r := range value {
		if r == '`' {
			run++
			longest = max(longest, run)
			continue
		}
		run = 0
	}
	return strings.Repeat("`", max(3, longest+1))
}

func (s *MarkdownSerializer) Parse(r io.Reader) (core.Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Snapshot{}, err
	}
	lines := strings.Split(string(data), "\n")
	snap := core.Snapshot{Version: core.SnapshotVersion}

	for i := 0; i < len(lines); {
		line := strings.TrimSuffix(lines[i], "\r")
		if !strings.HasPrefix(line, "## ") {
			i++
			continue
		}
		entry, next, err := parseEntry(lines, i+1, strings.TrimPrefix(line, "## "))
		if err != nil {
			return core.Snapshot{}, err
		}
		snap.Entries = append(snap.Entries, entry)
		i = next
	}
	return snap, nil
}

func parseEntry(lines []string, i int, key string) (core.SnapshotEntry, int, error) {
	lang, body, next, err := nextFence(lines, i)
	if err != nil {
		return core.SnapshotEntry{}, 0, fmt.Errorf("key %q: %w", key, err)
	}

	var hdr entryHeader
	if lang == "yaml" {
		if err := yaml.Unmarshal([]byte(body), &hdr); err != nil {
			return core.SnapshotEntry{}, 0, fmt.Errorf("%w: key %q: attributes: %v", ErrMalformed, key, err)
		}
		lang, body, next, err = nextFence(lines, next)
		if err != nil {
			return core.SnapshotEntry{}, 0, fmt.Errorf("key %q: %w", key, err)
		}
	}

	typ := core.KeyType(lang)
	switch {
	case hdr.Type == "":
		hdr.Type = typ
	case typ != "" && typ != hdr.Type:
		return core.SnapshotEntry{}, 0, fmt.Errorf("%w: key %q: attributes say %s, value block says %s", ErrMalformed, key, hdr.Type, typ)
	}
	if hdr.Type == "" {
		hdr.Type = core.TypeText
	}

	var raw json.RawMessage
	switch hdr.Type {
	case core.TypeJSON:
		if !json.Valid([]byte(body)) {
			return core.SnapshotEntry{}, 0, fmt.Errorf("%w: key %q: value is not valid JSON", ErrMalformed, key)
		}
		raw = json.RawMessage(body)
	case core.TypeText, core.TypeImage, core.TypeFile, core.TypeDocument:
		raw, err = json.Marshal(body)
		if err != nil {
			return core.SnapshotEntry{}, 0, err
		}
	default:
		return core.SnapshotEntry{}, 0, fmt.Errorf("%w: key %q: unknown type %q", ErrMalformed, key, hdr.Type)
	}

	return core.SnapshotEntry{
		Key:   key,
		Value: raw,
		Attributes: core.Attributes{
			Type:        hdr.Type,
			ContentType: hdr.ContentType,
			ContentTags: hdr.ContentTags,
			SystemTags:  hdr.SystemTags,
			ZIndex:      hdr.ZIndex,
		},
		UpdatedAt: hdr.UpdatedAt,
	}, next, nil
}

// nextFence skips blank lines and reads the fenced block starting there.
func nextFence(lines []string, i int) (lang, body string, next int, err error) {
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return "", "", 0, fmt.Errorf("%w: missing code block", ErrMalformed)
	}
	open := lines[i]
	crlf := strings.HasSuffix(open, "\r")
	open = strings.TrimSuffix(open, "\r")
	n := len(open) - len(strings.TrimLeft(open, "`"))
	if n < 3 {
		return "", "", 0, fmt.Errorf("%w: line %d: expected a code block", ErrMalformed, i+1)
	}
	fence := open[:n]
	lang = strings.TrimSpace(open[n:])

	var content []string
	for j := i + 1; j < len(lines); j++ {
		line := lines[j]
		if crlf {
			line = strings.TrimSuffix(line, "\r")
		}
		if strings.TrimSuffix(line, "\r") == fence {
			return lang, strings.Join(content, "\n"), j + 1, nil
		}
		content = append(content, line)
	}
	return "", "", 0, fmt.Errorf("%w: line %d: unterminated code block", ErrMalformed, i+1)
}
