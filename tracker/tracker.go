// Package tracker implements the client side of the BitTorrent tracker
// protocol: HTTP(S) announce over a GET request and UDP announce over the
// connect/announce datagram exchange, selected by the announce URL's
// scheme.
package tracker

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the port advertised to trackers when the caller
	// doesn't set one explicitly.
	DefaultPort = 6881

	udpConnectTimeout = 5 * time.Second
)

// Event is the BitTorrent announce event.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "none"
	}
}

// Peer is one swarm member a tracker handed back.
type Peer struct {
	IP     net.IP
	Port   uint16
	PeerID [20]byte
	HasID  bool
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// AnnounceRequest carries the parameters of a single announce call. Zero
// values for Port/Downloaded/Uploaded/Left/Event take the spec defaults
// (port 6881, 0, 0, 0, event none).
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Downloaded uint64
	Uploaded   uint64
	Left       uint64
	Event      Event
	IP         string
	NumWant    int // 0 means "use the tracker's default"; pass -1 to omit explicitly
	Compact    bool
	NoPeerID   bool
	Key        uint32
}

// AnnounceResponse is the normalized reply common to both transports.
type AnnounceResponse struct {
	Peers    []Peer
	Interval int
	Seeders  int
	Leechers int
}

// Error reports a tracker transport failure: an unsupported URI scheme, a
// non-2xx HTTP response, a tracker-reported failure reason, a UDP timeout,
// or a UDP protocol mismatch (action, transaction ID, or length).
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return "tracker: " + e.msg + ": " + e.err.Error()
	}
	return "tracker: " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

func trackerError(msg string) error { return &Error{msg: msg} }

func wrapTrackerError(msg string, err error) error {
	return &Error{msg: msg, err: errors.WithStack(err)}
}

// Client issues announces against one tracker at a time. Its peer-id is
// generated once at construction: the 8-byte prefix "-RB0001-" followed by
// 12 bytes sampled uniformly from [0-9a-z].
type Client struct {
	PeerID     [20]byte
	httpClient httpDoer
	udpTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the UDP receive timeout (default 5s). It does not
// affect the HTTP transport, whose client has its own fixed 15s timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.udpTimeout = d }
}

// NewClient builds a Client with a freshly generated peer-id.
func NewClient(opts ...Option) (*Client, error) {
	id, err := generatePeerID()
	if err != nil {
		return nil, wrapTrackerError("generating peer id", err)
	}
	c := &Client{
		PeerID:     id,
		httpClient: defaultHTTPClient(),
		udpTimeout: udpConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

const peerIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
const peerIDPrefix = "-RB0001-"

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	// Bytes at or above the largest multiple of the alphabet size are
	// redrawn, so every character of the alphabet is equally likely.
	limit := 256 - 256%len(peerIDAlphabet)
	var b [1]byte
	for i := len(peerIDPrefix); i < len(id); {
		if _, err := rand.Read(b[:]); err != nil {
			return id, err
		}
		if int(b[0]) >= limit {
			continue
		}
		id[i] = peerIDAlphabet[int(b[0])%len(peerIDAlphabet)]
		i++
	}
	return id, nil
}

// Announce dispatches to the HTTP(S) or UDP transport based on
// trackerURL's scheme.
func (c *Client) Announce(trackerURL string, req AnnounceRequest) (*AnnounceResponse, error) {
	if req.Port == 0 {
		req.Port = DefaultPort
	}
	if req.PeerID == ([20]byte{}) {
		req.PeerID = c.PeerID
	}

	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, wrapTrackerError("parsing tracker URL "+trackerURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return c.announceHTTP(u, req)
	case "udp":
		return c.announceUDP(u, req)
	default:
		return nil, trackerError("unsupported tracker scheme " + u.Scheme)
	}
}

// AnnounceFirst tries each tracker URL in order and returns the first
// successful response, mirroring how a multi-tracker client falls back
// through announce-list tiers until one tracker answers.
func (c *Client) AnnounceFirst(trackerURLs []string, req AnnounceRequest) (*AnnounceResponse, string, error) {
	var lastErr error
	for _, u := range trackerURLs {
		resp, err := c.Announce(u, req)
		if err != nil {
			logrus.Warnf("tracker %s failed: %v", u, err)
			lastErr = err
			continue
		}
		return resp, u, nil
	}
	if lastErr == nil {
		lastErr = trackerError("no trackers given")
	}
	return nil, "", lastErr
}
