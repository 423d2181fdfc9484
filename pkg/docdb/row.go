package docdb

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeRow serializes a row document.
func EncodeRow(row map[string]any) ([]byte, error) {
	return json.Marshal(row)
}

// DecodeRow restores a row document with normalized datums.
func DecodeRow(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}

	return NormalizeRow(raw)
}

// NormalizeRow normalizes every datum of a row in place.
func NormalizeRow(row map[string]any) (map[string]any, error) {
	for k, v := range row {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", k, err)
		}
		row[k] = n
	}
	return row, nil
}

// Merge returns a copy of row with the assignments applied.
func Merge(row, assignments map[string]any) map[string]any {
	out := make(map[string]any, len(row)+len(assignments))
	for k, v := range row {
		out[k] = v
	}
	for k, v := range assignments {
		out[k] = v
	}
	return out
}

// Normalize restores normalized datums after a JSON round trip.
func (m *Mutation) Normalize() error {
	if m.Row != nil {
		if _, err := NormalizeRow(m.Row); err != nil {
			return err
		}
	}
	for i := range m.Where {
		v, err := Normalize(m.Where[i].Value)
		if err != nil {
			return fmt.Errorf("where %q: %w", m.Where[i].Column, err)
		}
		m.Where[i].Value = v
	}
	return nil
}
