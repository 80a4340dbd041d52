package peer

import (
	"encoding/binary"

	"github.com/nilsjor/gobitorrent/bitfield"
)

// ID identifies a peer wire message. Values 0 through 9 are the known
// kinds; any other id decodes as Unknown and is only routed to the generic
// "message" event.
type ID byte

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

// Message is a parsed peer wire message. Only the fields relevant to ID
// are populated; Keepalive and Unknown are mutually exclusive with a known
// ID.
type Message struct {
	Keepalive bool
	Unknown   bool
	ID        ID
	RawID     byte

	Index    uint32
	Begin    uint32
	Length   uint32
	Block    []byte
	Bitfield bitfield.Bitfield
	Port     uint16

	Handshake *Handshake

	Payload []byte
}

func keepaliveMessage() Message { return Message{Keepalive: true} }

// Handshake is the parsed 68-byte handshake exchanged immediately after
// connecting, before any framed message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// encodeFrame prefixes body with its big-endian uint32 length, per the
// peer wire framing: length (u32 BE) then length bytes of payload.
func encodeFrame(body []byte) []byte {
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

func encodeFrameID(id ID, rest []byte) []byte {
	body := make([]byte, 1+len(rest))
	body[0] = byte(id)
	copy(body[1:], rest)
	return encodeFrame(body)
}

func encodeKeepAlive() []byte { return []byte{0, 0, 0, 0} }

func encodeChoke() []byte         { return encodeFrameID(Choke, nil) }
func encodeUnchoke() []byte       { return encodeFrameID(Unchoke, nil) }
func encodeInterested() []byte    { return encodeFrameID(Interested, nil) }
func encodeNotInterested() []byte { return encodeFrameID(NotInterested, nil) }

func encodeHave(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return encodeFrameID(Have, buf)
}

func encodeBitfield(bf bitfield.Bitfield) []byte {
	return encodeFrameID(BitfieldMsg, bf.Bytes())
}

func encodeIndexBeginLength(id ID, index, begin, length uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	binary.BigEndian.PutUint32(buf[8:12], length)
	return encodeFrameID(id, buf)
}

func encodeRequest(index, begin, length uint32) []byte {
	return encodeIndexBeginLength(Request, index, begin, length)
}

func encodeCancel(index, begin, length uint32) []byte {
	return encodeIndexBeginLength(Cancel, index, begin, length)
}

func encodePiece(index, begin uint32, block []byte) []byte {
	buf := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(buf[0:4], index)
	binary.BigEndian.PutUint32(buf[4:8], begin)
	copy(buf[8:], block)
	return encodeFrameID(Piece, buf)
}

func encodePort(port uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return encodeFrameID(Port, buf)
}

// decodeMessage parses the frame body (id byte followed by id-specific
// payload) produced after stripping the 4-byte length prefix. Malformed
// bodies (too short for their id) return an error.
func decodeMessage(body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, newPeerError("empty frame body")
	}
	rawID := body[0]
	payload := body[1:]

	switch ID(rawID) {
	case Choke:
		return Message{ID: Choke, RawID: rawID}, nil
	case Unchoke:
		return Message{ID: Unchoke, RawID: rawID}, nil
	case Interested:
		return Message{ID: Interested, RawID: rawID}, nil
	case NotInterested:
		return Message{ID: NotInterested, RawID: rawID}, nil
	case Have:
		if len(payload) != 4 {
			return Message{}, newPeerError("malformed have payload")
		}
		return Message{ID: Have, RawID: rawID, Index: binary.BigEndian.Uint32(payload)}, nil
	case BitfieldMsg:
		return Message{ID: BitfieldMsg, RawID: rawID, Bitfield: bitfield.FromBytes(append([]byte(nil), payload...))}, nil
	case Request:
		idx, begin, length, err := decodeIndexBeginLength(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{ID: Request, RawID: rawID, Index: idx, Begin: begin, Length: length}, nil
	case Cancel:
		idx, begin, length, err := decodeIndexBeginLength(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{ID: Cancel, RawID: rawID, Index: idx, Begin: begin, Length: length}, nil
	case Piece:
		if len(payload) < 8 {
			return Message{}, newPeerError("malformed piece payload")
		}
		return Message{
			ID:    Piece,
			RawID: rawID,
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: append([]byte(nil), payload[8:]...),
		}, nil
	case Port:
		if len(payload) != 2 {
			return Message{}, newPeerError("malformed port payload")
		}
		return Message{ID: Port, RawID: rawID, Port: binary.BigEndian.Uint16(payload)}, nil
	default:
		return Message{Unknown: true, RawID: rawID, Payload: append([]byte(nil), payload...)}, nil
	}
}

func decodeIndexBeginLength(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, newPeerError("malformed request/cancel payload")
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		binary.BigEndian.Uint32(payload[8:12]),
		nil
}
