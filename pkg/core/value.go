package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/aretw0/mindcache/pkg/crdt"
)

// Value is the closed union of payloads a key can hold. The concrete type
// always matches the key's KeyType.
type Value interface {
	Kind() KeyType
	isValue()
}

// TextValue is a plain string.
type TextValue string

// ImageValue is an image payload (base64 data or a data/blob URL).
type ImageValue string

// FileValue is an arbitrary file payload (base64 data or a blob URL).
type FileValue string

// JSONValue holds compact JSON.
type JSONValue json.RawMessage

// DocumentValue is a handle to a collaborative text document.
type DocumentValue struct {
	Doc *crdt.Document
}

func (TextValue) Kind() KeyType     { return TypeText }
func (ImageValue) Kind() KeyType    { return TypeImage }
func (FileValue) Kind() KeyType     { return TypeFile }
func (JSONValue) Kind() KeyType     { return TypeJSON }
func (DocumentValue) Kind() KeyType { return TypeDocument }

func (TextValue) isValue()     {}
func (ImageValue) isValue()    {}
func (FileValue) isValue()     {}
func (JSONValue) isValue()     {}
func (DocumentValue) isValue() {}

// NewJSON marshals v into a JSONValue.
func NewJSON(v any) (JSONValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json value: %w", err)
	}
	return JSONValue(data), nil
}

// Decode unmarshals the JSON payload into dst.
func (v JSONValue) Decode(dst any) error {
	return json.Unmarshal(v, dst)
}

func (v JSONValue) String() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// Render returns the textual form used by templates and the system prompt.
// Structured values render as compact JSON and documents as their flattened text.
func Render(v Value) string {
	switch val := v.(type) {
	case nil:
		return ""
	case TextValue:
		return string(val)
	case JSONValue:
		return val.String()
	case DocumentValue:
		if val.Doc == nil {
			return ""
		}
		return val.Doc.Text()
	case ImageValue:
		return "[image]"
	case FileValue:
		return "[file]"
	}
	return ""
}

func isEmpty(v Value) bool {
	switch val := v.(type) {
	case nil:
		return true
	case TextValue:
		return val == ""
	case ImageValue:
		return val == ""
	case FileValue:
		return val == ""
	case JSONValue:
		trimmed := bytes.TrimSpace(val)
		return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
	}
	return false
}

// DocumentPayload is the wire and snapshot form of a document value:
// an operation list, or plain text when produced by a text-only writer.
type DocumentPayload struct {
	Ops  []crdt.Op `json:"ops,omitempty"`
	Text string    `json:"text,omitempty"`
}

// DecodeDocumentPayload accepts either {"ops":[...]} or a bare JSON string.
func DecodeDocumentPayload(raw json.RawMessage) (DocumentPayload, error) {
	var p DocumentPayload
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &p.Text); err != nil {
			return p, fmt.Errorf("decode document text: %w", err)
		}
		return p, nil
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return p, fmt.Errorf("decode document payload: %w", err)
	}
	return p, nil
}

// EncodeValue produces the wire form of v.
func EncodeValue(v Value) (json.RawMessage, error) {
	switch val := v.(type) {
	case TextValue:
		return json.Marshal(string(val))
	case ImageValue:
		return json.Marshal(string(val))
	case FileValue:
		return json.Marshal(string(val))
	case JSONValue:
		if len(bytes.TrimSpace(val)) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(val) {
			return nil, &ValidationError{Reason: "json value is not valid JSON"}
		}
		return json.RawMessage(val), nil
	case DocumentValue:
		if val.Doc == nil {
			return json.Marshal(DocumentPayload{})
		}
		return json.Marshal(DocumentPayload{Ops: val.Doc.Ops()})
	}
	return nil, &ValidationError{Reason: fmt.Sprintf("unsupported value %T", v)}
}

// DecodeValue parses the wire form of a value of type t.
// Documents are loaded into a detached document owned by site.
func DecodeValue(t KeyType, raw json.RawMessage, site string) (Value, error) {
	switch t {
	case TypeText, TypeImage, TypeFile:
		var s string
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, &ValidationError{Reason: fmt.Sprintf("%s value must be a string", t)}
			}
		}
		switch t {
		case TypeImage:
			return ImageValue(s), nil
		case TypeFile:
			return FileValue(s), nil
		}
		return TextValue(s), nil
	case TypeJSON:
		if len(bytes.TrimSpace(raw)) == 0 {
			return JSONValue("null"), nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, &ValidationError{Reason: "json value is not valid JSON"}
		}
		return JSONValue(buf.Bytes()), nil
	case TypeDocument:
		p, err := DecodeDocumentPayload(raw)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		if len(p.Ops) == 0 {
			return DocumentValue{Doc: crdt.FromText(site, p.Text)}, nil
		}
		doc, err := crdt.Load(site, p.Ops)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		return DocumentValue{Doc: doc}, nil
	}
	return nil, &ValidationError{Reason: fmt.Sprintf("unknown key type %q", t)}
}

// InferType guesses the key type of an untyped wire value: strings are text,
// anything else is json.
func InferType(raw json.RawMessage) KeyType {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return TypeText
	}
	return TypeJSON
}

// convertValue renders v as a value of type t for an explicit type change.
func convertValue(v Value, t KeyType, site string) (Value, error) {
	if v.Kind() == t {
		return v, nil
	}
	var text string
	switch val := v.(type) {
	case TextValue:
		text = string(val)
	case ImageValue:
		text = string(val)
	case FileValue:
		text = string(val)
	case JSONValue:
		text = val.String()
		var s string
		if json.Unmarshal(val, &s) == nil {
			text = s
		}
	case DocumentValue:
		text = Render(val)
	}

	switch t {
	case TypeText:
		return TextValue(text), nil
	case TypeImage:
		return ImageValue(text), nil
	case TypeFile:
		return FileValue(text), nil
	case TypeJSON:
		if json.Valid([]byte(text)) {
			return DecodeValue(TypeJSON, json.RawMessage(text), site)
		}
		return NewJSON(text)
	case TypeDocument:
		return DocumentValue{Doc: crdt.FromText(site, text)}, nil
	}
	return nil, &ValidationError{Reason: fmt.Sprintf("unknown key type %q", t)}
}
