// Package peer implements the BitTorrent peer wire protocol: the
// handshake, length-prefixed message framing, keep-alives, and per-peer
// choke/interest state tracking. It exposes send methods and an event
// callback registry for an external scheduler to drive piece selection;
// it performs no piece selection itself.
package peer

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nilsjor/gobitorrent/bitfield"
	"github.com/sirupsen/logrus"
)

const (
	protocolName = "BitTorrent protocol"

	defaultConnectTimeout   = 5 * time.Second
	defaultPollInterval     = 1 * time.Second
	defaultKeepAliveIdleFor = 60 * time.Second
)

// Event names a session callback can be registered against. These are the
// fixed enumeration the spec's "missing-method magic" callback surface was
// reimplemented as: a closed set, not an open registry.
type Event string

const (
	EventHandshake     Event = "handshake"
	EventMessage       Event = "message"
	EventKeepalive     Event = "keepalive"
	EventChoke         Event = "choke"
	EventUnchoke       Event = "unchoke"
	EventInterested    Event = "interested"
	EventNotInterested Event = "not_interested"
	EventHave          Event = "have"
	EventBitfield      Event = "bitfield"
	EventRequest       Event = "request"
	EventPiece         Event = "piece"
	EventCancel        Event = "cancel"
	EventPort          Event = "port"
)

// Handler receives a typed Message; which fields are meaningful depends on
// the event it was registered against.
type Handler func(Message)

// Option configures a Session at construction time.
type Option func(*Session)

// WithConnectTimeout overrides the default 5s TCP connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) { s.connectTimeout = d }
}

// WithPollInterval overrides the default 1s read-poll window that gates
// keep-alive checks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithKeepAliveInterval overrides the default 60s idle threshold before a
// keep-alive is emitted.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Session) { s.keepAliveIdleFor = d }
}

// Session owns one TCP connection to a single peer for its lifetime: the
// handshake, the dispatch loop, and the four-way choke/interest state.
type Session struct {
	infoHash [20]byte
	peerID   [20]byte

	conn net.Conn
	open bool

	remotePeerID [20]byte

	// clientChoked/clientInterested describe our view of the remote peer;
	// peerChoked/peerInterested describe the remote peer's view of us
	// (peerChoked == "we have choked the peer").
	clientChoked      bool
	clientInterested  bool
	peerChoked        bool
	peerInterested    bool
	remoteBitfield    bitfield.Bitfield

	connectTimeout   time.Duration
	pollInterval     time.Duration
	keepAliveIdleFor time.Duration

	writeMu  sync.Mutex
	lastSend time.Time

	handlerMu sync.Mutex
	handlers  map[Event][]Handler
}

// New builds a Session for the given info-hash and local peer-id. Call
// Open to connect and perform the handshake.
func New(infoHash, peerID [20]byte, opts ...Option) *Session {
	s := &Session{
		infoHash:         infoHash,
		peerID:           peerID,
		clientChoked:     true,
		clientInterested: false,
		peerChoked:       true,
		peerInterested:   false,
		connectTimeout:   defaultConnectTimeout,
		pollInterval:     defaultPollInterval,
		keepAliveIdleFor: defaultKeepAliveIdleFor,
		handlers:         make(map[Event][]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers handler for event. Multiple handlers may be registered for
// the same event; they run in registration order.
func (s *Session) On(event Event, handler Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *Session) emit(event Event, msg Message) {
	s.handlerMu.Lock()
	handlers := append([]Handler(nil), s.handlers[event]...)
	s.handlerMu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// RemotePeerID returns the peer-id the remote side presented in its
// handshake.
func (s *Session) RemotePeerID() [20]byte { return s.remotePeerID }

// Bitfield returns the piece set the remote peer has most recently
// advertised.
func (s *Session) Bitfield() bitfield.Bitfield { return s.remoteBitfield }

// ClientChoked reports whether the remote peer has choked us.
func (s *Session) ClientChoked() bool { return s.clientChoked }

// ClientInterested reports whether we have told the remote peer we are
// interested.
func (s *Session) ClientInterested() bool { return s.clientInterested }

// PeerChoked reports whether we have choked the remote peer.
func (s *Session) PeerChoked() bool { return s.peerChoked }

// PeerInterested reports whether the remote peer has told us it is
// interested.
func (s *Session) PeerInterested() bool { return s.peerInterested }

// Open connects to addr, performs the handshake, and leaves the session
// ready for Run. Opening an already-open session fails.
func (s *Session) Open(addr string) error {
	if s.open {
		return newPeerError("session already open")
	}
	conn, err := net.DialTimeout("tcp", addr, s.connectTimeout)
	if err != nil {
		return wrapPeerError("connecting to "+addr, err)
	}
	s.conn = conn

	if err := s.handshake(); err != nil {
		conn.Close()
		return err
	}
	s.open = true
	return nil
}

// Close releases the socket. Subsequent I/O fails.
func (s *Session) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	return s.conn.Close()
}

func (s *Session) handshake() error {
	out := make([]byte, 1+19+8+20+20)
	out[0] = 19
	copy(out[1:20], protocolName)
	copy(out[28:48], s.infoHash[:])
	copy(out[48:68], s.peerID[:])

	if err := s.write(out); err != nil {
		return wrapPeerError("writing handshake", err)
	}

	in := make([]byte, 68)
	if _, err := io.ReadFull(s.conn, in); err != nil {
		return wrapPeerError("reading handshake", err)
	}

	var remoteInfoHash, remotePeerID [20]byte
	copy(remoteInfoHash[:], in[28:48])
	copy(remotePeerID[:], in[48:68])

	if remoteInfoHash != s.infoHash {
		return newPeerError("handshake info-hash mismatch")
	}
	s.remotePeerID = remotePeerID

	s.emit(EventHandshake, Message{Handshake: &Handshake{InfoHash: remoteInfoHash, PeerID: remotePeerID}})
	return nil
}

func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(b); err != nil {
		return wrapPeerError("writing to peer", err)
	}
	s.lastSend = time.Now()
	return nil
}

// Run drives the dispatch loop: it reads frames until the socket closes or
// an I/O error occurs (treated as orderly shutdown, per spec), applying
// state transitions before invoking callbacks, and emits a keep-alive
// whenever a 1-second poll finds nothing to read and more than 60s have
// passed since the last outbound write. Run blocks until the connection
// ends; callers typically invoke it in its own goroutine.
func (s *Session) Run() error {
	lengthBuf := make([]byte, 4)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.pollInterval)); err != nil {
			return wrapPeerError("setting read deadline", err)
		}

		_, err := io.ReadFull(s.conn, lengthBuf)
		if err != nil {
			if isTimeout(err) {
				if time.Since(s.lastSend) > s.keepAliveIdleFor {
					if err := s.SendKeepAlive(); err != nil {
						return nil
					}
				}
				continue
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return nil
		}

		length := binary.BigEndian.Uint32(lengthBuf)
		if length == 0 {
			s.emit(EventKeepalive, keepaliveMessage())
			continue
		}

		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return wrapPeerError("clearing read deadline", err)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			logrus.Warnf("peer %s: error reading frame body: %v", s.remoteAddrString(), err)
			return nil
		}

		msg, err := decodeMessage(body)
		if err != nil {
			logrus.Warnf("peer %s: %v", s.remoteAddrString(), err)
			return wrapPeerError("decoding frame", err)
		}

		s.applyState(msg)
		s.dispatch(msg)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (s *Session) remoteAddrString() string {
	if s.conn == nil {
		return "<unconnected>"
	}
	return s.conn.RemoteAddr().String()
}

// applyState updates choke/interest/bitfield state from a received
// message before any callback fires, so handlers observe post-transition
// state.
func (s *Session) applyState(msg Message) {
	if msg.Unknown {
		return
	}
	switch msg.ID {
	case Choke:
		s.clientChoked = true
	case Unchoke:
		s.clientChoked = false
	case Interested:
		s.peerInterested = true
	case NotInterested:
		s.peerInterested = false
	case Have:
		s.remoteBitfield.AddPiece(int(msg.Index))
	case BitfieldMsg:
		s.remoteBitfield = msg.Bitfield
	}
}

func (s *Session) dispatch(msg Message) {
	s.emit(EventMessage, msg)
	if msg.Unknown {
		return
	}
	switch msg.ID {
	case Choke:
		s.emit(EventChoke, msg)
	case Unchoke:
		s.emit(EventUnchoke, msg)
	case Interested:
		s.emit(EventInterested, msg)
	case NotInterested:
		s.emit(EventNotInterested, msg)
	case Have:
		s.emit(EventHave, msg)
	case BitfieldMsg:
		s.emit(EventBitfield, msg)
	case Request:
		s.emit(EventRequest, msg)
	case Piece:
		s.emit(EventPiece, msg)
	case Cancel:
		s.emit(EventCancel, msg)
	case Port:
		s.emit(EventPort, msg)
	}
}

// SendKeepAlive writes a zero-length frame.
func (s *Session) SendKeepAlive() error {
	return s.write(encodeKeepAlive())
}

// SendChoke sends a choke message and marks the peer as choked.
func (s *Session) SendChoke() error {
	if err := s.write(encodeChoke()); err != nil {
		return err
	}
	s.peerChoked = true
	return nil
}

// SendUnchoke sends an unchoke message and marks the peer as unchoked.
func (s *Session) SendUnchoke() error {
	if err := s.write(encodeUnchoke()); err != nil {
		return err
	}
	s.peerChoked = false
	return nil
}

// SendInterested sends an interested message and records our interest.
func (s *Session) SendInterested() error {
	if err := s.write(encodeInterested()); err != nil {
		return err
	}
	s.clientInterested = true
	return nil
}

// SendNotInterested sends a not-interested message and records our
// disinterest.
func (s *Session) SendNotInterested() error {
	if err := s.write(encodeNotInterested()); err != nil {
		return err
	}
	s.clientInterested = false
	return nil
}

// SendHave announces that we now have piece index.
func (s *Session) SendHave(index uint32) error {
	return s.write(encodeHave(index))
}

// SendBitfield announces our full piece set.
func (s *Session) SendBitfield(bf bitfield.Bitfield) error {
	return s.write(encodeBitfield(bf))
}

// SendRequest requests a block of a piece.
func (s *Session) SendRequest(index, begin, length uint32) error {
	return s.write(encodeRequest(index, begin, length))
}

// SendPiece sends a requested block.
func (s *Session) SendPiece(index, begin uint32, block []byte) error {
	return s.write(encodePiece(index, begin, block))
}

// SendCancel cancels an outstanding request.
func (s *Session) SendCancel(index, begin, length uint32) error {
	return s.write(encodeCancel(index, begin, length))
}

// SendPort advertises a DHT port.
func (s *Session) SendPort(port uint16) error {
	return s.write(encodePort(port))
}
