package tracker

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"net"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	udpProtocolMagic = 0x41727101980
	actionConnect    = 0
	actionAnnounce   = 1
	actionScrape     = 2
	actionError      = 3

	udpRecvBufferSize = 2048
)

type connectRequest struct {
	Magic         uint64
	Action        uint32
	TransactionID uint32
}

type connectResponse struct {
	Action        uint32
	TransactionID uint32
	ConnectionID  uint64
}

type announceRequestWire struct {
	ConnectionID  uint64
	Action        uint32
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

type announceResponseHeader struct {
	Action        uint32
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
}

// eventCode maps an Event onto the UDP wire encoding, which for historical
// reasons does not assign codes in declaration order: none=0 started=2
// completed=1 stopped=3.
func eventCode(e Event) uint32 {
	switch e {
	case EventStarted:
		return 2
	case EventCompleted:
		return 1
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// ParseEvent accepts both the canonical "stopped" spelling and the
// "stoped" typo some older trackers/clients emit (spec §9), normalizing
// either to EventStopped.
func ParseEvent(s string) Event {
	switch s {
	case "started":
		return EventStarted
	case "completed":
		return EventCompleted
	case "stopped", "stoped":
		return EventStopped
	default:
		return EventNone
	}
}

func randomTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func ipToUint32(ip string) uint32 {
	if ip == "" {
		return 0
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func (c *Client) announceUDP(u *url.URL, req AnnounceRequest) (*AnnounceResponse, error) {
	conn, err := net.Dial("udp4", u.Host)
	if err != nil {
		return nil, wrapTrackerError("dialing UDP tracker "+u.Host, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.udpTimeout))

	connectionID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}

	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	transactionID, err := randomTransactionID()
	if err != nil {
		return nil, wrapTrackerError("generating transaction id", err)
	}

	wire := announceRequestWire{
		ConnectionID:  connectionID,
		Action:        actionAnnounce,
		TransactionID: transactionID,
		InfoHash:      req.InfoHash,
		PeerID:        req.PeerID,
		Downloaded:    req.Downloaded,
		Left:          req.Left,
		Uploaded:      req.Uploaded,
		Event:         eventCode(req.Event),
		IP:            ipToUint32(req.IP),
		Key:           req.Key,
		NumWant:       numWant,
		Port:          req.Port,
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.BigEndian, &wire); err != nil {
		return nil, wrapTrackerError("encoding announce packet", err)
	}
	conn.SetDeadline(time.Now().Add(c.udpTimeout))
	if _, err := conn.Write(out.Bytes()); err != nil {
		return nil, wrapTrackerError("sending announce packet", err)
	}

	buf := make([]byte, udpRecvBufferSize)
	n, err := readWithTimeout(conn, buf)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, trackerError("announce response shorter than 20 bytes")
	}

	var hdr announceResponseHeader
	if err := binary.Read(bytes.NewReader(buf[:20]), binary.BigEndian, &hdr); err != nil {
		return nil, wrapTrackerError("decoding announce response header", err)
	}
	if hdr.Action == actionError {
		return nil, trackerError("tracker error: " + nullTerminated(buf[8:n]))
	}
	if hdr.Action != actionAnnounce {
		return nil, trackerError("unexpected announce response action")
	}
	if hdr.TransactionID != transactionID {
		return nil, trackerError("announce transaction id mismatch")
	}
	if (n-20)%compactPeerLen != 0 {
		return nil, trackerError("announce peer payload length not a multiple of 6")
	}

	peers, err := decodeCompactPeers(buf[20:n])
	if err != nil {
		return nil, err
	}

	logrus.Infof("udp tracker %s returned %d peers", u.Host, len(peers))
	return &AnnounceResponse{
		Peers:    peers,
		Interval: int(hdr.Interval),
		Seeders:  int(hdr.Seeders),
		Leechers: int(hdr.Leechers),
	}, nil
}

func udpConnect(conn net.Conn) (uint64, error) {
	transactionID, err := randomTransactionID()
	if err != nil {
		return 0, wrapTrackerError("generating transaction id", err)
	}

	req := connectRequest{
		Magic:         udpProtocolMagic,
		Action:        actionConnect,
		TransactionID: transactionID,
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.BigEndian, &req); err != nil {
		return 0, wrapTrackerError("encoding connect packet", err)
	}
	if _, err := conn.Write(out.Bytes()); err != nil {
		return 0, wrapTrackerError("sending connect packet", err)
	}

	buf := make([]byte, udpRecvBufferSize)
	n, err := readWithTimeout(conn, buf)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, trackerError("connect response shorter than 16 bytes")
	}

	var resp connectResponse
	if err := binary.Read(bytes.NewReader(buf[:16]), binary.BigEndian, &resp); err != nil {
		return 0, wrapTrackerError("decoding connect response", err)
	}
	if resp.Action == actionError {
		return 0, trackerError("tracker error: " + nullTerminated(buf[8:n]))
	}
	if resp.Action != actionConnect {
		return 0, trackerError("unexpected connect response action")
	}
	if resp.TransactionID != transactionID {
		return 0, trackerError("connect transaction id mismatch")
	}
	return resp.ConnectionID, nil
}

func readWithTimeout(conn net.Conn, buf []byte) (int, error) {
	n, err := conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return 0, trackerError("Receiving timed out")
		}
		return 0, wrapTrackerError("reading from UDP tracker", err)
	}
	return n, nil
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
