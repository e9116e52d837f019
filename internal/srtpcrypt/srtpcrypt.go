// Package srtpcrypt wraps the SRTP/SRTCP protect and unprotect contexts
// derived from a finished DTLS handshake.
package srtpcrypt

import (
	"fmt"

	"github.com/pion/srtp/v3"
)

// Replay window for both directions.
const replayWindow = 8192

// Protector holds one send and one receive SRTP context. It accepts any
// SSRC in either direction. Not safe for concurrent use; call it from the
// session loop only.
type Protector struct {
	send *srtp.Context
	recv *srtp.Context
}

// New creates a protector from the per-direction keys and salts exported by
// the DTLS handshake.
func New(localKey, localSalt, remoteKey, remoteSalt []byte) (*Protector, error) {
	send, err := srtp.CreateContext(localKey, localSalt,
		srtp.ProtectionProfileAes128CmHmacSha1_80,
		srtp.SRTPReplayProtection(replayWindow),
		srtp.SRTCPReplayProtection(replayWindow))
	if err != nil {
		return nil, fmt.Errorf("create send context: %w", err)
	}
	recv, err := srtp.CreateContext(remoteKey, remoteSalt,
		srtp.ProtectionProfileAes128CmHmacSha1_80,
		srtp.SRTPReplayProtection(replayWindow),
		srtp.SRTCPReplayProtection(replayWindow))
	if err != nil {
		return nil, fmt.Errorf("create recv context: %w", err)
	}
	return &Protector{send: send, recv: recv}, nil
}

// ProtectRTP encrypts an outbound RTP packet.
func (p *Protector) ProtectRTP(pkt []byte) ([]byte, error) {
	return p.send.EncryptRTP(nil, pkt, nil)
}

// UnprotectRTP decrypts an inbound SRTP packet.
func (p *Protector) UnprotectRTP(pkt []byte) ([]byte, error) {
	return p.recv.DecryptRTP(nil, pkt, nil)
}

// ProtectRTCP encrypts an outbound RTCP packet.
func (p *Protector) ProtectRTCP(pkt []byte) ([]byte, error) {
	return p.send.EncryptRTCP(nil, pkt, nil)
}

// UnprotectRTCP decrypts an inbound SRTCP packet.
func (p *Protector) UnprotectRTCP(pkt []byte) ([]byte, error) {
	return p.recv.DecryptRTCP(nil, pkt, nil)
}
