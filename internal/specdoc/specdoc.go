// Package specdoc models the component specification document produced
// by spec generation and checked by the rule engine. Documents are
// schemaless maps with dotted-path accessors so rules can inspect and
// repair fields without a fixed struct.
package specdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Document struct {
	fields map[string]any
}

// Parse decodes a JSON object into a Document. Numbers are kept as
// json.Number so canonical round trips preserve their spelling.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("parse specification: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse specification: trailing data after document")
	}
	return &Document{fields: fields}, nil
}

func FromMap(m map[string]any) *Document {
	if m == nil {
		m = make(map[string]any)
	}
	return &Document{fields: m}
}

func (d *Document) Map() map[string]any { return d.fields }

func (d *Document) Name() string            { return d.stringField("name") }
func (d *Document) CapabilityID() string    { return d.stringField("capability_id") }
func (d *Document) ContractVersion() string { return d.stringField("contract_version") }

func (d *Document) stringField(key string) string {
	if v, ok := d.fields[key].(string); ok {
		return v
	}
	return ""
}

// Get resolves a dotted path ("accessibility.keyboard_support") through
// nested objects. Returns false when any segment is absent.
func (d *Document) Get(path string) (any, bool) {
	cur := any(d.fields)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetBool returns the boolean at path, false if absent or not a bool.
func (d *Document) GetBool(path string) bool {
	v, ok := d.Get(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Set writes a value at a dotted path, creating intermediate objects.
// Fails when a path segment crosses a non-object value.
func (d *Document) Set(path string, value any) error {
	segs := strings.Split(path, ".")
	cur := d.fields
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			child := make(map[string]any)
			cur[seg] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("set %s: segment %q is not an object", path, seg)
		}
		cur = child
	}
	return nil
}

func (d *Document) Delete(path string) {
	segs := strings.Split(path, ".")
	cur := d.fields
	for i, seg := range segs {
		if i == len(segs)-1 {
			delete(cur, seg)
			return
		}
		child, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = child
	}
}

// Components returns the components array as maps. Entries of other
// shapes are skipped.
func (d *Document) Components() []map[string]any {
	raw, ok := d.fields["components"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Interactions returns the interactions array as strings.
func (d *Document) Interactions() []string {
	raw, ok := d.fields["interactions"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *Document) SetInteractions(interactions []string) {
	raw := make([]any, len(interactions))
	for i, s := range interactions {
		raw[i] = s
	}
	d.fields["interactions"] = raw
}

// Clone deep-copies the document so fixes never mutate a shared copy.
func (d *Document) Clone() *Document {
	return &Document{fields: cloneMap(d.fields)}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Canonical serializes the document deterministically: object keys
// sorted, no insignificant whitespace. Identical documents always
// produce identical bytes, which build identifiers depend on.
func (d *Document) Canonical() ([]byte, error) {
	data, err := json.Marshal(d.fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize specification: %w", err)
	}
	return data, nil
}
