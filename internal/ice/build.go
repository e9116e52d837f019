package ice

import (
	"crypto/rand"
	"net"

	"github.com/993381/tms/internal/bitio"
	"github.com/993381/tms/internal/checksum"
)

// NewTransactionID returns a random 12-byte transaction ID.
func NewTransactionID() (tid [12]byte) {
	rand.Read(tid[:])
	return tid
}

// BuildBindingResponse builds the Binding Response to a connectivity check:
// XOR-MAPPED-ADDRESS for the peer's reflexive address, the echoed USERNAME,
// MESSAGE-INTEGRITY keyed by localPwd, and FINGERPRINT.
func BuildBindingResponse(tid [12]byte, peerIP net.IP, peerPort uint16, username, localPwd string) []byte {
	var attrs bitio.BitStream

	ip4 := peerIP.To4()
	attrs.WriteBytes(2, uint64(AttrXorMappedAddress))
	attrs.WriteBytes(2, 8)
	attrs.WriteBytes(1, 0x00)
	attrs.WriteBytes(1, 0x01) // IPv4
	attrs.WriteBytes(2, uint64(uint32(peerPort)^(MagicCookie>>16)))
	var ipNum uint32
	if ip4 != nil {
		ipNum = uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	}
	attrs.WriteBytes(4, uint64(ipNum^MagicCookie))

	attrs.WriteBytes(2, uint64(AttrUsername))
	attrs.WriteBytes(2, uint64(len(username)))
	attrs.WriteString(username)
	if pad := len(username) % 4; pad != 0 {
		attrs.WriteBytes(4-pad, 0)
	}

	return seal(TypeBindingResponse, tid, &attrs, localPwd)
}

// BuildBindingIndication builds the keep-alive Binding Indication: just
// MESSAGE-INTEGRITY keyed by remotePwd and FINGERPRINT.
func BuildBindingIndication(remotePwd string) []byte {
	var attrs bitio.BitStream
	return seal(TypeBindingIndication, NewTransactionID(), &attrs, remotePwd)
}

// BuildBindingRequest builds an outbound connectivity check toward the peer.
// The USERNAME is remoteUfrag:localUfrag and integrity is keyed by remotePwd.
func BuildBindingRequest(localUfrag, remoteUfrag, remotePwd string, tieBreaker uint64) []byte {
	var attrs bitio.BitStream

	username := remoteUfrag + ":" + localUfrag
	attrs.WriteBytes(2, uint64(AttrUsername))
	attrs.WriteBytes(2, uint64(len(username)))
	attrs.WriteString(username)
	if pad := len(username) % 4; pad != 0 {
		attrs.WriteBytes(4-pad, 0)
	}

	attrs.WriteBytes(2, uint64(AttrIceControlled))
	attrs.WriteBytes(2, 8)
	attrs.WriteBytes(8, tieBreaker)

	attrs.WriteBytes(2, uint64(AttrPriority))
	attrs.WriteBytes(2, 4)
	attrs.WriteBytes(4, uint64(hostPriority(0xFFFF, true)))

	return seal(TypeBindingRequest, NewTransactionID(), &attrs, remotePwd)
}

// hostPriority computes the RTP host-candidate priority for an ICE check.
func hostPriority(localPref uint16, rtp bool) uint32 {
	component := uint32(2)
	if rtp {
		component = 1
	}
	return 126<<24 + uint32(localPref)<<8 + (256 - component)
}

// seal appends MESSAGE-INTEGRITY and FINGERPRINT to attrs and returns the
// complete message. Both trailers are computed over a header whose length
// field already counts the attribute being appended.
func seal(msgType uint16, tid [12]byte, attrs *bitio.BitStream, pwd string) []byte {
	var input bitio.BitStream
	writeHeader(&input, msgType, attrs.Len()+24, tid)
	input.WriteData(attrs.Bytes())
	mac := hmacSHA1(pwd, input.Bytes())

	attrs.WriteBytes(2, uint64(AttrMessageIntegrity))
	attrs.WriteBytes(2, 20)
	attrs.WriteData(mac)

	input = bitio.BitStream{}
	writeHeader(&input, msgType, attrs.Len()+8, tid)
	input.WriteData(attrs.Bytes())
	crc := checksum.StunFingerprint(input.Bytes())

	attrs.WriteBytes(2, uint64(AttrFingerprint))
	attrs.WriteBytes(2, 4)
	attrs.WriteBytes(4, uint64(crc))

	var msg bitio.BitStream
	writeHeader(&msg, msgType, attrs.Len(), tid)
	msg.WriteData(attrs.Bytes())
	out := make([]byte, len(msg.Bytes()))
	copy(out, msg.Bytes())
	return out
}

func writeHeader(s *bitio.BitStream, msgType uint16, length int, tid [12]byte) {
	s.WriteBytes(2, uint64(msgType))
	s.WriteBytes(2, uint64(length))
	s.WriteBytes(4, uint64(MagicCookie))
	s.WriteData(tid[:])
}

// XorMappedAddress decodes an XOR-MAPPED-ADDRESS attribute value.
func XorMappedAddress(value []byte) (net.IP, uint16, bool) {
	if len(value) != 8 || value[1] != 0x01 {
		return nil, 0, false
	}
	port := (uint16(value[2])<<8 | uint16(value[3])) ^ uint16(MagicCookie>>16)
	ipNum := (uint32(value[4])<<24 | uint32(value[5])<<16 | uint32(value[6])<<8 | uint32(value[7])) ^ MagicCookie
	ip := net.IPv4(byte(ipNum>>24), byte(ipNum>>16), byte(ipNum>>8), byte(ipNum))
	return ip, port, true
}
