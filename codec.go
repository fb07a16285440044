package courier

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Frame layout:
//
//	0        1              5
//	┌────────┬──────────────┬────────────────┐
//	│ kind   │ body length  │ body ...       │
//	│ 1 byte │ uint32 (BE)  │ length bytes   │
//	└────────┴──────────────┴────────────────┘
//
// A KindRawString body is the UTF-8 text itself. A KindKeyValue body is a
// sequence of entries, each (uint16 BE key length, key bytes, uint16 BE
// value length, value bytes), packed until the body length is consumed.
// There is no padding and no optional fields: the same Message always
// produces the same bytes.
const (
	headerSize = 5

	maxEntryLength = math.MaxUint16
	maxBodyLength  = math.MaxUint32
)

// Encode serializes m into one complete wire frame. Returns
// ErrPayloadTooLarge when a key or value exceeds 65535 bytes or the body
// would overflow the 4-byte length field; nothing is ever truncated.
func Encode(m *Message) ([]byte, error) {
	var body []byte

	switch m.kind {
	case KindRawString:
		if int64(len(m.text)) > maxBodyLength {
			return nil, errors.Wrap(ErrPayloadTooLarge, "raw payload exceeds length field")
		}
		body = []byte(m.text)

	case KindKeyValue:
		var size int64
		for _, p := range m.pairs {
			if len(p.Key) > maxEntryLength {
				return nil, errors.Wrapf(ErrPayloadTooLarge, "key length %d exceeds %d", len(p.Key), maxEntryLength)
			}
			if len(p.Value) > maxEntryLength {
				return nil, errors.Wrapf(ErrPayloadTooLarge, "value length %d exceeds %d", len(p.Value), maxEntryLength)
			}
			size += int64(4 + len(p.Key) + len(p.Value))
		}
		if size > maxBodyLength {
			return nil, errors.Wrap(ErrPayloadTooLarge, "body exceeds length field")
		}

		var lenBuf [2]byte
		body = make([]byte, 0, size)
		for _, p := range m.pairs {
			binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p.Key)))
			body = append(body, lenBuf[:]...)
			body = append(body, p.Key...)
			binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p.Value)))
			body = append(body, lenBuf[:]...)
			body = append(body, p.Value...)
		}

	default:
		return nil, errors.Wrapf(ErrInvalidPayload, "unknown kind %d", m.kind)
	}

	frame := make([]byte, headerSize+len(body))
	frame[0] = byte(m.kind)
	binary.BigEndian.PutUint32(frame[1:headerSize], uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decode reads exactly one frame from r and reconstructs the Message. The
// stream may deliver bytes in arbitrary chunks; partial reads are
// accumulated until the header and body are complete. A stream that
// closes before a full header arrived is a clean disconnect and yields
// io.EOF. Anything else that prevents an exact parse yields *ProtocolError.
func Decode(r io.Reader) (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	kind := Kind(header[0])
	if kind != KindKeyValue && kind != KindRawString {
		return nil, &ProtocolError{Reason: UnknownKind, Detail: fmt.Sprintf("kind tag %#x", header[0])}
	}

	length := binary.BigEndian.Uint32(header[1:headerSize])
	body, err := readBody(r, length)
	if err != nil {
		return nil, err
	}

	if kind == KindRawString {
		if !utf8.Valid(body) {
			return nil, &ProtocolError{Reason: Malformed, Detail: "raw payload is not valid UTF-8"}
		}
		return &Message{kind: KindRawString, text: string(body)}, nil
	}

	pairs, err := decodePairs(body)
	if err != nil {
		return nil, err
	}
	return &Message{kind: KindKeyValue, pairs: pairs}, nil
}

// readBody reads the declared body length incrementally. The length field
// is peer-controlled, so the buffer grows only with bytes actually
// received, never up front from the declared value; a lying length field
// costs the peer the bytes, not this process the memory.
func readBody(r io.Reader, length uint32) ([]byte, error) {
	var body bytes.Buffer
	if _, err := io.CopyN(&body, r, int64(length)); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &ProtocolError{Reason: Malformed, Detail: "truncated body"}
		}
		return nil, err
	}
	return body.Bytes(), nil
}

// decodePairs parses a KindKeyValue body. The entries must consume the body
// exactly; leftover or truncated bytes mean the declared length lied.
func decodePairs(body []byte) ([]Pair, error) {
	var pairs []Pair
	seen := make(map[string]struct{})

	for off := 0; off < len(body); {
		key, n, err := readEntry(body[off:])
		if err != nil {
			return nil, err
		}
		off += n

		value, n, err := readEntry(body[off:])
		if err != nil {
			return nil, err
		}
		off += n

		if key == "" {
			return nil, &ProtocolError{Reason: Malformed, Detail: "empty key"}
		}
		if _, dup := seen[key]; dup {
			return nil, &ProtocolError{Reason: Malformed, Detail: fmt.Sprintf("duplicate key %q", key)}
		}
		seen[key] = struct{}{}

		pairs = append(pairs, Pair{Key: key, Value: value})
	}
	return pairs, nil
}

// readEntry parses one length-prefixed string from the front of buf and
// returns it along with the number of bytes consumed.
func readEntry(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, &ProtocolError{Reason: Malformed, Detail: "truncated entry length"}
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", 0, &ProtocolError{Reason: Malformed, Detail: "entry exceeds body"}
	}
	return string(buf[2 : 2+n]), 2 + n, nil
}
