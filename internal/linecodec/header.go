// Package linecodec implements the Line/Header Codec: reading CRLF request
// lines and header blocks from a buffered byte stream, and writing status
// lines and headers back out.
package linecodec

import "strings"

// kv is one header line, preserved in read order.
type kv struct {
	name, value string
}

// Header is an ordered, case-insensitive multimap of header fields. It
// preserves insertion order and multiplicity, distinguishing single-valued
// access (Get) from multi-valued access (Values), per the spec's
// "single-valued"/"multi-valued" header collection requirement.
type Header struct {
	entries []kv
}

// NewHeader returns an empty header collection.
func NewHeader() *Header {
	return &Header{}
}

// Add appends a value for name, preserving any existing values.
func (h *Header) Add(name, value string) {
	h.entries = append(h.entries, kv{name, value})
}

// Set replaces all values of name with a single value, preserving the
// position of the first existing occurrence (or appending if absent).
func (h *Header) Set(name, value string) {
	for i := range h.entries {
		if strings.EqualFold(h.entries[i].name, name) {
			h.entries[i].value = value
			h.removeFrom(i+1, name)
			return
		}
	}
	h.entries = append(h.entries, kv{name, value})
}

func (h *Header) removeFrom(start int, name string) {
	out := h.entries[:start]
	for _, e := range h.entries[start:] {
		if !strings.EqualFold(e.name, name) {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Del removes all values of name.
func (h *Header) Del(name string) {
	out := h.entries[:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.name, name) {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Get returns the first value of name, or "" if absent.
func (h *Header) Get(name string) string {
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return e.value
		}
	}
	return ""
}

// Has reports whether name has at least one value.
func (h *Header) Has(name string) bool {
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of name in read order.
func (h *Header) Values(name string) []string {
	var out []string
	for _, e := range h.entries {
		if strings.EqualFold(e.name, name) {
			out = append(out, e.value)
		}
	}
	return out
}

// Each calls fn for every header line in order, including repeats.
func (h *Header) Each(fn func(name, value string)) {
	for _, e := range h.entries {
		fn(e.name, e.value)
	}
}

// Len returns the number of header lines (including repeats).
func (h *Header) Len() int { return len(h.entries) }

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := &Header{entries: make([]kv, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}
