package bencode

import (
	"bytes"
	"testing"
)

func TestDecodeEncodeRoundtrip(t *testing.T) {
	input := []byte("d8:announce4:http4:infod6:lengthi10e4:name3:fooee")

	v, err := Decode(input)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	announce, ok := v.Get("announce")
	if !ok || announce.Str() != "http" {
		t.Errorf("expected announce=http, got %+v", announce)
	}

	info, ok := v.Get("info")
	if !ok {
		t.Fatalf("expected info key")
	}
	name, _ := info.Get("name")
	if name.Str() != "foo" {
		t.Errorf("expected name=foo, got %q", name.Str())
	}
	length, _ := info.Get("length")
	if length.Int != 10 {
		t.Errorf("expected length=10, got %d", length.Int)
	}

	out, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Errorf("expected canonical re-encode %q, got %q", input, out)
	}
}

func TestEncodeSortsDictKeys(t *testing.T) {
	a, err := Encode(Dict(map[string]Value{"b": Int64(1), "a": Int64(2)}))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b, err := Encode(Dict(map[string]Value{"a": Int64(2), "b": Int64(1)}))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("expected identical canonical bytes, got %q vs %q", a, b)
	}
	if string(a) != "d1:ai2e1:bi1ee" {
		t.Errorf("unexpected canonical bytes: %q", a)
	}
}

func TestEncodeDecodeEncodeIdempotent(t *testing.T) {
	v := Dict(map[string]Value{
		"z": Int64(-7),
		"a": List(String("x"), String("y")),
		"m": Dict(map[string]Value{"nested": Int64(42)}),
	})

	first, err := Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(first)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	second, err := Encode(decoded)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("expected idempotent canonicalization, got %q vs %q", first, second)
	}
}

func TestDecodeMalformedInputs(t *testing.T) {
	cases := []string{
		"i e",
		"3:ab",
		"l",
		"d1:ai1e",
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c)); err == nil {
			t.Errorf("expected error decoding %q", c)
		}
	}
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	if _, err := Decode([]byte("i04e")); err == nil {
		t.Errorf("expected error for leading zero integer")
	}
	if _, err := Decode([]byte("i-0e")); err == nil {
		t.Errorf("expected error for negative zero integer")
	}
	if _, err := Decode([]byte("i0e")); err != nil {
		t.Errorf("i0e should be valid, got %v", err)
	}
}

func TestEncodeNegativeInteger(t *testing.T) {
	out, err := Encode(Int64(-7))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(out) != "i-7e" {
		t.Errorf("expected i-7e, got %q", out)
	}
}

type marshalFixture struct {
	Name   string `bencode:"name"`
	Length int64  `bencode:"length"`
	Opt    string `bencode:"opt,omitempty"`
}

func TestMarshalUnmarshalStruct(t *testing.T) {
	f := marshalFixture{Name: "a", Length: 10}
	v, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, ok := v.Get("opt"); ok {
		t.Errorf("expected omitempty field to be absent")
	}

	var out marshalFixture
	if err := Unmarshal(v, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != f {
		t.Errorf("expected %+v, got %+v", f, out)
	}
}
