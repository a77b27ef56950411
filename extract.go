package gzipi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Extraction defaults.
const (
	DefaultCSVColumn    = 0
	DefaultCSVDelimiter = '|'
	DefaultJSONField    = "domain"
)

// FormatKind selects the record format understood by the key extractor.
type FormatKind byte

// Recognised record formats.
const (
	RawFormat FormatKind = iota
	JSONFormat
	CSVFormat
	unknownFormat
)

// ParseFormatKind parses a format name.
func ParseFormatKind(s string) (FormatKind, error) {
	switch s {
	case "raw":
		return RawFormat, nil
	case "json":
		return JSONFormat, nil
	case "csv":
		return CSVFormat, nil
	}
	return unknownFormat, fmt.Errorf("gzipi: unsupported format %q", s)
}

// Format describes how the index key is extracted from a record.
type Format struct {
	// Kind is the record format. Default: RawFormat.
	Kind FormatKind

	// Field is the key field name for JSON records.
	// Default: "domain".
	Field string

	// Column is the 0-based key column for CSV records.
	Column int

	// Delimiter is the column separator for CSV records.
	// Default: '|'. Quoting is not supported.
	Delimiter byte
}

func (f *Format) norm() *Format {
	var ff Format
	if f != nil {
		ff = *f
	}
	if ff.Field == "" {
		ff.Field = DefaultJSONField
	}
	if ff.Delimiter == 0 {
		ff.Delimiter = DefaultCSVDelimiter
	}
	return &ff
}

// ExtractKey returns the key bytes of a single record. The record may
// carry its newline terminator; it is not part of any key. Keys that
// contain TAB or newline bytes are rejected with ErrBadKey as they
// cannot be represented in the index.
func (f *Format) ExtractKey(record []byte) ([]byte, error) {
	record = bytes.TrimRight(record, "\r\n")

	var key []byte
	switch f.Kind {
	case RawFormat:
		key = record

	case JSONFormat:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(record, &obj); err != nil {
			return nil, fmt.Errorf("gzipi: cannot parse record: %w", err)
		}
		raw, ok := obj[f.Field]
		if !ok {
			return nil, fmt.Errorf("gzipi: record has no %q field", f.Field)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("gzipi: field %q is not a string", f.Field)
		}
		key = []byte(s)

	case CSVFormat:
		cols := bytes.Split(record, []byte{f.Delimiter})
		if f.Column < 0 || f.Column >= len(cols) {
			return nil, fmt.Errorf("gzipi: record has no column %d", f.Column)
		}
		key = cols[f.Column]

	default:
		return nil, fmt.Errorf("gzipi: unsupported format")
	}

	if bytes.IndexByte(key, '\t') >= 0 || bytes.IndexByte(key, '\n') >= 0 {
		return nil, ErrBadKey
	}
	return key, nil
}
