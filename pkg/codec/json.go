package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/aretw0/mindcache/pkg/core"
)

// JSONSerializer handles the JSON snapshot format.
type JSONSerializer struct {
	// Indent pretty-prints the output when set.
	Indent string
}

// NewJSONSerializer returns a serializer indenting with two spaces.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{Indent: "  "}
}

func (s *JSONSerializer) Parse(r io.Reader) (core.Snapshot, error) {
	var snap core.Snapshot
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&snap); err != nil {
		return core.Snapshot{}, fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}
	if err := validate.Struct(snap); err != nil {
		return core.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if snap.Version == 0 {
		snap.Version = core.SnapshotVersion
	}
	return snap, nil
}

func (s *JSONSerializer) Serialize(snap core.Snapshot) ([]byte, error) {
	if snap.Entries == nil {
		snap.Entries = []core.SnapshotEntry{}
	}
	if s.Indent == "" {
		return json.Marshal(snap)
	}
	return json.MarshalIndent(snap, "", s.Indent)
}
