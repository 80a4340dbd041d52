package tracker

import (
	"encoding/binary"
	"net"
)

const compactPeerLen = 6

// decodeCompactPeers parses the 6-byte-per-peer encoding (4-byte big-endian
// IPv4 address, 2-byte big-endian port) shared by HTTP compact responses
// and every UDP announce response.
func decodeCompactPeers(buf []byte) ([]Peer, error) {
	if len(buf)%compactPeerLen != 0 {
		return nil, trackerError("compact peer list length not a multiple of 6")
	}
	peers := make([]Peer, 0, len(buf)/compactPeerLen)
	for i := 0; i+compactPeerLen <= len(buf); i += compactPeerLen {
		ip := net.IPv4(buf[i], buf[i+1], buf[i+2], buf[i+3])
		port := binary.BigEndian.Uint16(buf[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
