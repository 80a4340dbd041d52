package peer

import (
	"io"
	"net"
	"testing"
	"time"
)

func remoteHandshakeBytes(infoHash, peerID [20]byte) []byte {
	out := make([]byte, 68)
	out[0] = 19
	copy(out[1:20], protocolName)
	copy(out[28:48], infoHash[:])
	copy(out[48:68], peerID[:])
	return out
}

func TestHandshakeRoundTrip(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	localID := [20]byte{4, 5, 6}
	remoteID := [20]byte{7, 8, 9}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 68)
		io.ReadFull(server, buf)
		server.Write(remoteHandshakeBytes(infoHash, remoteID))
	}()

	s := New(infoHash, localID)
	s.conn = client

	var got *Handshake
	s.On(EventHandshake, func(msg Message) { got = msg.Handshake })

	if err := s.handshake(); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if s.RemotePeerID() != remoteID {
		t.Errorf("expected remote peer id %v, got %v", remoteID, s.RemotePeerID())
	}
	if got == nil || got.PeerID != remoteID {
		t.Errorf("expected handshake callback with peer id %v, got %+v", remoteID, got)
	}
}

func TestHandshakeInfoHashMismatch(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	otherHash := [20]byte{9, 9, 9}
	localID := [20]byte{4, 5, 6}
	remoteID := [20]byte{7, 8, 9}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 68)
		io.ReadFull(server, buf)
		server.Write(remoteHandshakeBytes(otherHash, remoteID))
	}()

	s := New(infoHash, localID)
	s.conn = client

	if err := s.handshake(); err == nil {
		t.Errorf("expected error on info-hash mismatch")
	}
}

func TestReceiveHaveSetsBitfield(t *testing.T) {
	s := New([20]byte{}, [20]byte{})
	msg, err := decodeMessage(encodeHave(3)[4:])
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	s.applyState(msg)
	if !s.Bitfield().Has(3) {
		t.Errorf("expected bitfield bit 3 set after have(3)")
	}
}

func TestKeepaliveFrameFiresOnlyKeepaliveCallback(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New([20]byte{}, [20]byte{})
	s.conn = client

	keepaliveFired := make(chan struct{}, 1)
	var chokeFired, messageFired bool
	s.On(EventKeepalive, func(Message) { keepaliveFired <- struct{}{} })
	s.On(EventChoke, func(Message) { chokeFired = true })
	s.On(EventMessage, func(Message) { messageFired = true })

	go s.Run()
	server.Write([]byte{0, 0, 0, 0})

	select {
	case <-keepaliveFired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for keepalive callback")
	}

	if chokeFired {
		t.Errorf("expected choke callback not to fire for a keep-alive frame")
	}
	if messageFired {
		t.Errorf("expected generic message callback not to fire for a keep-alive frame")
	}
}

func TestSendUnchokeTransitionsPeerChoked(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go io.Copy(io.Discard, server)

	s := New([20]byte{}, [20]byte{})
	s.conn = client
	if !s.PeerChoked() {
		t.Fatalf("expected initial peerChoked=true")
	}
	if err := s.SendUnchoke(); err != nil {
		t.Fatalf("SendUnchoke failed: %v", err)
	}
	if s.PeerChoked() {
		t.Errorf("expected peerChoked=false after SendUnchoke")
	}
}

func TestReceiveUnchokeTransitionsClientChoked(t *testing.T) {
	s := New([20]byte{}, [20]byte{})
	if !s.ClientChoked() {
		t.Fatalf("expected initial clientChoked=true")
	}
	msg, err := decodeMessage([]byte{byte(Unchoke)})
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	s.applyState(msg)
	if s.ClientChoked() {
		t.Errorf("expected clientChoked=false after receiving unchoke")
	}
}

func TestRunEmitsKeepAliveWhenIdle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := New([20]byte{}, [20]byte{},
		WithPollInterval(20*time.Millisecond),
		WithKeepAliveInterval(30*time.Millisecond))
	s.conn = client
	s.lastSend = time.Now().Add(-time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4)
		io.ReadFull(server, buf)
	}()

	go s.Run()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for keep-alive frame")
	}
}
