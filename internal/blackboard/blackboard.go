// Package blackboard implements the shared status document of one bulk operation.
//
// The controller, the progress monitor, the cancellation monitor and the poll
// handler all read and write the same document concurrently. Every access goes
// through Get, Set or Update, which serialize on a single mutex and never hand
// out references to the stored document.
package blackboard

import (
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/ChuLiYu/bulkop/pkg/types"
)

var json = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

// Blackboard is a mutex-guarded JSON-like document.
type Blackboard struct {
	mu  sync.Mutex
	doc types.Document
}

// New returns a blackboard seeded with a copy of initial.
func New(initial types.Document) *Blackboard {
	doc := Clone(initial)
	if doc == nil {
		doc = types.Document{}
	}
	return &Blackboard{doc: doc}
}

// Get returns a snapshot copy of the document.
func (b *Blackboard) Get() types.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Clone(b.doc)
}

// Set replaces the document.
func (b *Blackboard) Set(doc types.Document) {
	c := Clone(doc)
	if c == nil {
		c = types.Document{}
	}
	b.mu.Lock()
	b.doc = c
	b.mu.Unlock()
}

// Update deep-merges partial into the document and returns the merged snapshot.
// Keys absent from partial are kept; nested objects merge recursively; any
// other value (arrays included) replaces what was there.
func (b *Blackboard) Update(partial types.Document) types.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	Merge(b.doc, partial)
	return Clone(b.doc)
}

// Lookup returns a copy of a single top-level value.
func (b *Blackboard) Lookup(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.doc[key]
	return cloneValue(v), ok
}

// MarshalJSON encodes a consistent snapshot.
func (b *Blackboard) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Get())
}

// String renders the document for logs.
func (b *Blackboard) String() string {
	s, err := json.MarshalToString(b.Get())
	if err != nil {
		return "{}"
	}
	return s
}

// Merge deep-merges src into dst in place.
func Merge(dst, src types.Document) {
	for k, sv := range src {
		if sm, ok := asDocument(sv); ok {
			if dm, ok := asDocument(dst[k]); ok {
				Merge(dm, sm)
				dst[k] = dm
				continue
			}
		}
		dst[k] = cloneValue(sv)
	}
}

// Clone deep-copies the maps and slices of doc. Scalars are shared.
func Clone(doc types.Document) types.Document {
	if doc == nil {
		return nil
	}
	out := make(types.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = Clone(t[i])
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	default:
		return v
	}
}

func asDocument(v any) (types.Document, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Decode parses a JSON object.
func Decode(data []byte) (types.Document, error) {
	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = types.Document{}
	}
	return doc, nil
}

// Encode renders doc as JSON.
func Encode(doc types.Document) ([]byte, error) {
	return json.Marshal(doc)
}

// EncodeIndent renders doc as indented JSON for human consumption.
func EncodeIndent(doc types.Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

//
// typed accessors
//

// String returns doc[key] when it is a string.
func String(doc types.Document, key string) (string, bool) {
	s, ok := doc[key].(string)
	return s, ok
}

// Bool returns doc[key] when it is a bool; strings "true"/"false" are accepted.
func Bool(doc types.Document, key string) (bool, bool) {
	switch v := doc[key].(type) {
	case bool:
		return v, true
	case string:
		switch v {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// Status returns the status field, StatusUnknown if absent.
func Status(doc types.Document) types.Status {
	if s, ok := String(doc, types.KeyStatus); ok {
		return types.Status(s)
	}
	return types.StatusUnknown
}

// Errors decodes the errors array into outcome records. Numeric codes may be any
// Go number type, depending on where the document came from.
func Errors(doc types.Document) []types.Outcome {
	raw, ok := doc[types.KeyErrors].([]any)
	if !ok {
		return nil
	}
	out := make([]types.Outcome, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		o := types.Outcome{}
		switch c := m[types.KeyCode].(type) {
		case int:
			o.Code = c
		case int32:
			o.Code = int(c)
		case int64:
			o.Code = int(c)
		case float64:
			o.Code = int(c)
		}
		o.Message, _ = m[types.KeyMessage].(string)
		out = append(out, o)
	}
	return out
}
