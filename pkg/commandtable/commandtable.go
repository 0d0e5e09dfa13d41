// Package commandtable models AWG command tables and validates them
// against the device schema before anything reaches the instrument.
package commandtable

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaVersion is written into the header of tables built by New.
const SchemaVersion = "1.2.0"

// MaxEntries bounds the table length; entry indexes run 0..MaxEntries-1.
const MaxEntries = 1024

var (
	// ErrSchemaViolation is returned when a table fails schema validation.
	ErrSchemaViolation = errors.New("command table violates schema")
	// ErrDuplicateIndex is returned when two entries share an index.
	ErrDuplicateIndex = errors.New("duplicate command table index")
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("commandtable.json", schemaJSON)

// Waveform selects the wave an entry plays.
type Waveform struct {
	Index               *int `json:"index,omitempty"`
	Length              *int `json:"length,omitempty"`
	SamplingRateDivider *int `json:"samplingRateDivider,omitempty"`
}

// Parameter is an absolute value or a per-execution increment.
type Parameter struct {
	Value     *float64 `json:"value,omitempty"`
	Increment *bool    `json:"increment,omitempty"`
}

// Entry is a single command table row.
type Entry struct {
	Index      int        `json:"index"`
	Waveform   *Waveform  `json:"waveform,omitempty"`
	Amplitude0 *Parameter `json:"amplitude0,omitempty"`
	Amplitude1 *Parameter `json:"amplitude1,omitempty"`
	Phase      *Parameter `json:"phase,omitempty"`
}

// Header carries the schema version the table was written against.
type Header struct {
	Version    string `json:"version"`
	UserString string `json:"userString,omitempty"`
}

// CommandTable is a full table document.
type CommandTable struct {
	Header Header  `json:"header"`
	Table  []Entry `json:"table"`
}

// New returns an empty table with the current schema version.
func New() *CommandTable {
	return &CommandTable{Header: Header{Version: SchemaVersion}}
}

// Load parses and validates a raw table document.
func Load(data []byte) (*CommandTable, error) {
	if err := validateRaw(data); err != nil {
		return nil, err
	}
	var ct CommandTable
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ct); err != nil {
		return nil, fmt.Errorf("decode command table: %w", err)
	}
	if err := ct.checkIndexes(); err != nil {
		return nil, err
	}
	return &ct, nil
}

// Upsert inserts an entry or replaces the existing entry with the same
// index. Entries are kept sorted by index.
func (ct *CommandTable) Upsert(e Entry) {
	for i := range ct.Table {
		if ct.Table[i].Index == e.Index {
			ct.Table[i] = e
			return
		}
	}
	ct.Table = append(ct.Table, e)
	sort.Slice(ct.Table, func(i, j int) bool { return ct.Table[i].Index < ct.Table[j].Index })
}

// Clear removes all entries but keeps the header.
func (ct *CommandTable) Clear() { ct.Table = nil }

// Entry returns the entry with the given index.
func (ct *CommandTable) Entry(index int) (Entry, bool) {
	for _, e := range ct.Table {
		if e.Index == index {
			return e, true
		}
	}
	return Entry{}, false
}

// Validate checks the table against the device schema and the
// unique-index constraint.
func (ct *CommandTable) Validate() error {
	if err := ct.checkIndexes(); err != nil {
		return err
	}
	data, err := json.Marshal(ct)
	if err != nil {
		return fmt.Errorf("marshal command table: %w", err)
	}
	return validateRaw(data)
}

// MarshalValidated validates the table and returns its JSON encoding,
// ready for the command table node.
func (ct *CommandTable) MarshalValidated() ([]byte, error) {
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ct)
}

func (ct *CommandTable) checkIndexes() error {
	seen := make(map[int]struct{}, len(ct.Table))
	for _, e := range ct.Table {
		if _, dup := seen[e.Index]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, e.Index)
		}
		seen[e.Index] = struct{}{}
	}
	return nil
}

func validateRaw(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse command table: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := deepest(ve)
			return fmt.Errorf("%w: %s: %s", ErrSchemaViolation, instancePath(leaf), leaf.Message)
		}
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

func deepest(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func instancePath(ve *jsonschema.ValidationError) string {
	if ve.InstanceLocation == "" {
		return "/"
	}
	return ve.InstanceLocation
}
