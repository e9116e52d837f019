// Package ice implements the STUN codec and the ICE-lite responder side of
// connectivity checks: parsing binding requests, emitting binding responses
// with MESSAGE-INTEGRITY and FINGERPRINT, and keeping the path warm with
// binding indications.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"

	"github.com/993381/tms/internal/bitio"
	"github.com/993381/tms/internal/checksum"
)

// MagicCookie is the fixed STUN magic cookie (RFC 5389).
const MagicCookie uint32 = 0x2112A442

// STUN message types.
const (
	TypeBindingRequest    uint16 = 0x0001
	TypeBindingResponse   uint16 = 0x0101
	TypeBindingIndication uint16 = 0x0011
	TypeBindingError      uint16 = 0x0111
)

// STUN attribute types.
const (
	AttrUsername         uint16 = 0x0006
	AttrMessageIntegrity uint16 = 0x0008
	AttrXorMappedAddress uint16 = 0x0020
	AttrPriority         uint16 = 0x0025
	AttrFingerprint      uint16 = 0x8028
	AttrIceControlled    uint16 = 0x8029
)

const headerLen = 20

var (
	ErrMalformed   = errors.New("ice: malformed stun message")
	ErrBadUsername = errors.New("ice: username is not ufrag:ufrag")
)

// Attribute is one raw TLV from a STUN message, padding stripped.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Message is a parsed STUN message.
type Message struct {
	Type          uint16
	TransactionID [12]byte
	Username      string
	Attributes    []Attribute
}

// Attr returns the first attribute of the given type.
func (m *Message) Attr(typ uint16) ([]byte, bool) {
	for _, a := range m.Attributes {
		if a.Type == typ {
			return a.Value, true
		}
	}
	return nil, false
}

// SplitUsername splits the USERNAME attribute into its two ufrag halves.
// For inbound checks the first half is this side's ufrag.
func (m *Message) SplitUsername() (local, remote string, err error) {
	local, remote, ok := strings.Cut(m.Username, ":")
	if !ok || local == "" || remote == "" {
		return "", "", ErrBadUsername
	}
	return local, remote, nil
}

// Parse decodes a STUN message. Attribute values are copied out of data.
// Unknown attribute types are kept; truncated attributes are an error.
func Parse(data []byte) (*Message, error) {
	b := bitio.NewBitBuffer(data)
	if !b.MoreThanBytes(headerLen) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	m := &Message{Type: uint16(b.GetBytes(2))}
	msgLen := int(b.GetBytes(2))
	b.GetBytes(4) // magic cookie, not validated on input
	copy(m.TransactionID[:], b.GetData(12))

	if msgLen > b.BytesLeft() {
		return nil, fmt.Errorf("%w: length %d exceeds %d remaining", ErrMalformed, msgLen, b.BytesLeft())
	}

	for b.MoreThanBytes(4) {
		typ := uint16(b.GetBytes(2))
		length := int(b.GetBytes(2))
		if !b.MoreThanBytes(length) {
			return nil, fmt.Errorf("%w: attribute %#04x length %d", ErrMalformed, typ, length)
		}
		value := b.GetData(length)
		if pad := length % 4; pad != 0 {
			if b.BytesLeft() >= 4-pad {
				b.GetData(4 - pad)
			}
		}
		m.Attributes = append(m.Attributes, Attribute{Type: typ, Value: value})
		if typ == AttrUsername {
			m.Username = string(value)
		}
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// VerifyMessageIntegrity checks the MESSAGE-INTEGRITY attribute of a raw
// message against pwd. The message may carry a trailing FINGERPRINT.
func VerifyMessageIntegrity(raw []byte, pwd string) bool {
	mi, end := findAttr(raw, AttrMessageIntegrity)
	if mi == nil || len(mi) != sha1.Size {
		return false
	}
	// length as if MESSAGE-INTEGRITY were the last attribute
	input := make([]byte, end-24)
	copy(input, raw[:end-24])
	input[2] = byte((end - headerLen) >> 8)
	input[3] = byte(end - headerLen)
	return hmac.Equal(mi, hmacSHA1(pwd, input))
}

// VerifyFingerprint checks a trailing FINGERPRINT attribute.
func VerifyFingerprint(raw []byte) bool {
	fp, end := findAttr(raw, AttrFingerprint)
	if fp == nil || len(fp) != 4 || end != len(raw) {
		return false
	}
	want := checksum.StunFingerprint(raw[:end-8])
	got := uint32(fp[0])<<24 | uint32(fp[1])<<16 | uint32(fp[2])<<8 | uint32(fp[3])
	return got == want
}

// findAttr scans raw for an attribute and returns its value and the offset
// just past the attribute (padding included).
func findAttr(raw []byte, typ uint16) ([]byte, int) {
	if len(raw) < headerLen {
		return nil, 0
	}
	off := headerLen
	for off+4 <= len(raw) {
		t := uint16(raw[off])<<8 | uint16(raw[off+1])
		l := int(raw[off+2])<<8 | int(raw[off+3])
		vEnd := off + 4 + l
		if vEnd > len(raw) {
			return nil, 0
		}
		padded := vEnd + (4-l%4)%4
		if padded > len(raw) {
			padded = len(raw)
		}
		if t == typ {
			return raw[off+4 : vEnd], padded
		}
		off = padded
	}
	return nil, 0
}

func hmacSHA1(key string, data []byte) []byte {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(data)
	return mac.Sum(nil)
}
