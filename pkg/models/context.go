package models

import "encoding/json"

// Context is the untyped key/value bag carried by a run. Keys produced by
// worker output parsing are lowercased; values are free text (multi-line
// allowed).
type Context map[string]string

// Clone returns an independent copy.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge copies all entries from other into c, overwriting existing keys.
func (c Context) Merge(other Context) {
	for k, v := range other {
		c[k] = v
	}
}

// Encode serialises the context for storage in the runs.context column.
func (c Context) Encode() string {
	if len(c) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeContext parses a stored context column. Invalid JSON yields an
// empty context.
func DecodeContext(raw string) Context {
	if raw == "" {
		return Context{}
	}
	var c Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c == nil {
		return Context{}
	}
	return c
}
