package peer

import (
	"bytes"
	"testing"

	"github.com/nilsjor/gobitorrent/bitfield"
)

func TestEncodeDecodeHave(t *testing.T) {
	frame := encodeHave(7)
	// length(4) + id(1) + index(4) = 9 bytes of frame, 5 bytes of body.
	if len(frame) != 9 {
		t.Fatalf("expected 9-byte frame, got %d", len(frame))
	}
	msg, err := decodeMessage(frame[4:])
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	if msg.ID != Have || msg.Index != 7 {
		t.Errorf("expected Have(7), got %+v", msg)
	}
}

func TestEncodeDecodeBitfield(t *testing.T) {
	bf := bitfield.New(4)
	bf.AddPiece(1)
	bf.AddPiece(3)
	frame := encodeBitfield(bf)
	msg, err := decodeMessage(frame[4:])
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	if msg.ID != BitfieldMsg {
		t.Fatalf("expected BitfieldMsg, got %v", msg.ID)
	}
	if !msg.Bitfield.Has(1) || !msg.Bitfield.Has(3) || msg.Bitfield.Has(0) {
		t.Errorf("unexpected decoded bitfield: %v", msg.Bitfield.Pieces())
	}
}

func TestEncodeKeepAliveFrameIsZeroLength(t *testing.T) {
	frame := encodeKeepAlive()
	if !bytes.Equal(frame, []byte{0, 0, 0, 0}) {
		t.Errorf("expected 00 00 00 00, got %v", frame)
	}
}

func TestDecodeMalformedPayloads(t *testing.T) {
	cases := []struct {
		name string
		body []byte
	}{
		{"short have", []byte{byte(Have), 0, 0}},
		{"short request", []byte{byte(Request), 0, 0, 0, 0}},
		{"short piece", []byte{byte(Piece), 0, 0}},
		{"short port", []byte{byte(Port), 0}},
		{"empty body", []byte{}},
	}
	for _, c := range cases {
		if _, err := decodeMessage(c.body); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestDecodeUnknownID(t *testing.T) {
	msg, err := decodeMessage([]byte{20, 1, 2, 3})
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	if !msg.Unknown {
		t.Errorf("expected Unknown message for id 20")
	}
}

func TestEncodeRequestFields(t *testing.T) {
	frame := encodeRequest(1, 2, 3)
	msg, err := decodeMessage(frame[4:])
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	if msg.Index != 1 || msg.Begin != 2 || msg.Length != 3 {
		t.Errorf("expected {1,2,3}, got %+v", msg)
	}
}

func TestEncodePieceBlock(t *testing.T) {
	block := []byte{9, 9, 9}
	frame := encodePiece(4, 5, block)
	msg, err := decodeMessage(frame[4:])
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	if msg.Index != 4 || msg.Begin != 5 || !bytes.Equal(msg.Block, block) {
		t.Errorf("unexpected piece message: %+v", msg)
	}
}
