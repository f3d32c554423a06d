package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// NoVersion is the current-version sentinel of a table without a promoted version.
const NoVersion = "none"

// Properties is a property mapping. Values are string, int64, float64 or bool.
type Properties map[string]any

// Has reports whether key is set.
func (p Properties) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a shallow copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MarshalJSON writes keys in sorted order and keeps integral floats
// distinguishable from integers ("2.0" rather than "2").
func (p Properties) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')

		switch v := p[k].(type) {
		case float64:
			if math.IsInf(v, 0) || math.IsNaN(v) {
				return nil, fmt.Errorf("property %q: unsupported float value %v", k, v)
			}
			s := strconv.FormatFloat(v, 'g', -1, 64)
			if !bytes.ContainsAny([]byte(s), ".eE") {
				s += ".0"
			}
			buf.WriteString(s)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", k, err)
			}
			buf.Write(raw)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes integers as int64 and other numbers as float64.
func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out := make(Properties, len(raw))
	for k, v := range raw {
		n, ok := v.(json.Number)
		if !ok {
			out[k] = v
			continue
		}
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			out[k] = i
			continue
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = f
	}
	*p = out
	return nil
}

// Engine is the namespace root document.
type Engine struct {
	Databases []string `json:"databases"`
}

// Database is a database document.
type Database struct {
	Properties Properties `json:"properties"`
	Machines   []string   `json:"machines"`
	Tables     []string   `json:"tables"`
}

// Machine is a worker bound to one database.
type Machine struct {
	Database string `json:"db"`
}

// Table is a table document.
type Table struct {
	Properties     Properties `json:"properties"`
	Database       string     `json:"db"`
	Versions       []string   `json:"versions"`
	CurrentVersion string     `json:"current_version"`
}

// normalize fills nil lists so documents always encode "[]" rather than null.
func (e *Engine) normalize() {
	if e.Databases == nil {
		e.Databases = []string{}
	}
}

func (d *Database) normalize() {
	if d.Properties == nil {
		d.Properties = Properties{}
	}
	if d.Machines == nil {
		d.Machines = []string{}
	}
	if d.Tables == nil {
		d.Tables = []string{}
	}
}

// normalize also maps legacy sentinels ("nil", "") to NoVersion.
func (t *Table) normalize() {
	if t.Properties == nil {
		t.Properties = Properties{}
	}
	if t.Versions == nil {
		t.Versions = []string{}
	}
	if t.CurrentVersion == "" || t.CurrentVersion == "nil" {
		t.CurrentVersion = NoVersion
	}
}

// appendUnique appends s to list unless already present.
func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// remove returns list without any occurrence of s.
func remove(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
