package courier

import (
	"sort"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Kind identifies the payload variant carried by a Message. The numeric
// values double as the wire tag byte, so they must not be renumbered.
type Kind byte

const (
	// KindKeyValue is a set of string key/value pairs.
	KindKeyValue Kind = 0
	// KindRawString is a single opaque UTF-8 string, typically a document
	// such as JSON or XML content.
	KindRawString Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindKeyValue:
		return "key_value"
	case KindRawString:
		return "raw_string"
	default:
		return "unknown"
	}
}

// Pair is a single entry of a KindKeyValue payload.
type Pair struct {
	Key   string
	Value string
}

// Message is the unit of transfer. A Message is immutable once constructed
// and its payload variant is fixed by Kind; accessors return copies, so a
// decoded Message may be retained or discarded freely by the application.
type Message struct {
	kind  Kind
	pairs []Pair // KindKeyValue payload, construction order preserved
	text  string // KindRawString payload
}

// NewKeyValueMessage constructs a KindKeyValue message from the given pairs.
// Keys must be non-empty and unique; violations return ErrInvalidPayload.
// Pair order is preserved, which is what makes encoding deterministic.
func NewKeyValueMessage(pairs ...Pair) (*Message, error) {
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		if p.Key == "" {
			return nil, errors.Wrap(ErrInvalidPayload, "empty key")
		}
		if _, dup := seen[p.Key]; dup {
			return nil, errors.Wrapf(ErrInvalidPayload, "duplicate key %q", p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	m := &Message{kind: KindKeyValue, pairs: make([]Pair, len(pairs))}
	copy(m.pairs, pairs)
	return m, nil
}

// NewKeyValueMessageFromMap constructs a KindKeyValue message from a map.
// Keys are sorted so the same map contents always encode to the same bytes.
func NewKeyValueMessageFromMap(kv map[string]string) (*Message, error) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, Pair{Key: k, Value: kv[k]})
	}
	return NewKeyValueMessage(pairs...)
}

// NewRawMessage constructs a KindRawString message. The text must be valid
// UTF-8, the single transport encoding both endpoints agree on.
func NewRawMessage(text string) (*Message, error) {
	if !utf8.ValidString(text) {
		return nil, errors.Wrap(ErrInvalidPayload, "text is not valid UTF-8")
	}
	return &Message{kind: KindRawString, text: text}, nil
}

// Kind returns the payload variant.
func (m *Message) Kind() Kind { return m.kind }

// Pairs returns a copy of the key/value payload, in wire order. It is nil
// for KindRawString messages.
func (m *Message) Pairs() []Pair {
	if m.kind != KindKeyValue {
		return nil
	}
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Get returns the value for key in a KindKeyValue payload.
func (m *Message) Get(key string) (string, bool) {
	for _, p := range m.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Text returns the raw string payload. It is empty for KindKeyValue messages.
func (m *Message) Text() string { return m.text }

// Equal reports structural equality. Key/value payloads compare as sets:
// the order entries traveled on the wire is not significant.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.kind != other.kind {
		return false
	}
	switch m.kind {
	case KindRawString:
		return m.text == other.text
	case KindKeyValue:
		if len(m.pairs) != len(other.pairs) {
			return false
		}
		for _, p := range m.pairs {
			v, ok := other.Get(p.Key)
			if !ok || v != p.Value {
				return false
			}
		}
		return true
	default:
		return false
	}
}
