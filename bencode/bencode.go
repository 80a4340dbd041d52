// Package bencode implements the BitTorrent bencode serialization format:
// signed integers, byte-strings, ordered lists and dictionaries with keys
// sorted by raw byte value.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Kind discriminates the four bencode value shapes.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindList
	KindDict
)

// Value is a decoded bencode node. Exactly one of Int, Bytes, List, Dict is
// meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []Value
	Dict  map[string]Value
}

// Int64 constructs an integer value.
func Int64(n int64) Value { return Value{Kind: KindInt, Int: n} }

// String constructs a byte-string value from a Go string.
func String(s string) Value { return Value{Kind: KindBytes, Bytes: []byte(s)} }

// Bytestring constructs a byte-string value from raw bytes.
func Bytestring(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// List constructs a list value.
func List(items ...Value) Value { return Value{Kind: KindList, List: items} }

// Dict constructs a dictionary value.
func Dict(m map[string]Value) Value { return Value{Kind: KindDict, Dict: m} }

// IsZero reports whether v is the Value zero value (no dict/list entries,
// int 0, kind KindInt) - useful for "was this key present" checks after a
// failed map lookup.
func (v Value) IsZero() bool {
	return v.Kind == KindInt && v.Int == 0 && v.Bytes == nil && v.List == nil && v.Dict == nil
}

// Str returns the value's bytes as a string. Zero value if not a byte-string.
func (v Value) Str() string { return string(v.Bytes) }

// Get looks up key in a dictionary value, returning the zero Value and false
// if v is not a dictionary or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict || v.Dict == nil {
		return Value{}, false
	}
	val, ok := v.Dict[key]
	return val, ok
}

// Error reports a malformed bencode document or an attempt to encode a
// value the codec can't express.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("bencode: %s: %v", e.msg, e.err)
	}
	return fmt.Sprintf("bencode: %s", e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func newError(msg string) error { return &Error{msg: msg} }

func wrapError(msg string, err error) error {
	return &Error{msg: msg, err: errors.WithStack(err)}
}

// Encode serializes v in canonical form: dictionary keys are emitted in
// ascending order of their raw bytes.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind {
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
		return nil
	case KindBytes:
		buf.WriteString(strconv.Itoa(len(v.Bytes)))
		buf.WriteByte(':')
		buf.Write(v.Bytes)
		return nil
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeValue(buf, String(k)); err != nil {
				return err
			}
			if err := encodeValue(buf, v.Dict[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	default:
		return newError(fmt.Sprintf("unsupported value kind %d", v.Kind))
	}
}

// Decode parses a single bencode value from b. Trailing bytes after the
// value are ignored, matching a single-pass cursor decoder.
func Decode(b []byte) (Value, error) {
	d := &decoder{buf: b}
	v, err := d.value()
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) peek() (byte, bool) {
	if d.pos >= len(d.buf) {
		return 0, false
	}
	return d.buf[d.pos], true
}

// value reads one bencode production starting at the cursor.
func (d *decoder) value() (Value, error) {
	c, ok := d.peek()
	if !ok {
		return Value{}, newError("unexpected end of input")
	}
	switch {
	case c == 'i':
		return d.integer()
	case c >= '0' && c <= '9':
		return d.bytestring()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	default:
		return Value{}, newError(fmt.Sprintf("invalid format: unexpected byte %q at offset %d", c, d.pos))
	}
}

func (d *decoder) integer() (Value, error) {
	d.pos++ // consume 'i'
	start := d.pos
	for {
		c, ok := d.peek()
		if !ok {
			return Value{}, newError("unterminated integer")
		}
		if c == 'e' {
			break
		}
		d.pos++
	}
	lit := string(d.buf[start:d.pos])
	d.pos++ // consume 'e'
	if err := validateIntLiteral(lit); err != nil {
		return Value{}, err
	}
	n, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return Value{}, wrapError("malformed integer "+strconv.Quote(lit), err)
	}
	return Int64(n), nil
}

func validateIntLiteral(lit string) error {
	if lit == "" {
		return newError("empty integer literal")
	}
	body := lit
	if body[0] == '-' {
		body = body[1:]
		if body == "0" {
			return newError("malformed integer: negative zero")
		}
	}
	if body == "" {
		return newError("malformed integer: bare sign")
	}
	if len(body) > 1 && body[0] == '0' {
		return newError("malformed integer: leading zero")
	}
	for _, c := range body {
		if c < '0' || c > '9' {
			return newError("malformed integer: non-digit byte")
		}
	}
	return nil
}

func (d *decoder) bytestring() (Value, error) {
	start := d.pos
	for {
		c, ok := d.peek()
		if !ok {
			return Value{}, newError("unterminated byte-string length")
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return Value{}, newError("malformed byte-string length")
		}
		d.pos++
	}
	lenLit := string(d.buf[start:d.pos])
	d.pos++ // consume ':'
	n, err := strconv.Atoi(lenLit)
	if err != nil {
		return Value{}, wrapError("malformed byte-string length "+strconv.Quote(lenLit), err)
	}
	if n < 0 || d.pos+n > len(d.buf) {
		return Value{}, newError("byte-string length exceeds remaining input")
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return Bytestring(b), nil
}

func (d *decoder) list() (Value, error) {
	d.pos++ // consume 'l'
	items := make([]Value, 0)
	for {
		c, ok := d.peek()
		if !ok {
			return Value{}, newError("unterminated list")
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: KindList, List: items}, nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict() (Value, error) {
	d.pos++ // consume 'd'
	m := make(map[string]Value)
	for {
		c, ok := d.peek()
		if !ok {
			return Value{}, newError("unterminated dictionary")
		}
		if c == 'e' {
			d.pos++
			return Value{Kind: KindDict, Dict: m}, nil
		}
		if c < '0' || c > '9' {
			return Value{}, newError("dictionary key must be a byte-string")
		}
		key, err := d.bytestring()
		if err != nil {
			return Value{}, err
		}
		val, err := d.value()
		if err != nil {
			return Value{}, err
		}
		m[key.Str()] = val
	}
}
