package datachannel

import (
	"errors"
	"fmt"

	"github.com/993381/tms/internal/bitio"
)

// SCTP payload protocol identifiers for data channel traffic (RFC 8831).
const (
	PPIDControl     uint32 = 50
	PPIDString      uint32 = 51
	PPIDBinary      uint32 = 53
	PPIDStringEmpty uint32 = 56
	PPIDBinaryEmpty uint32 = 57
)

// DCEP message types (RFC 8832).
const (
	MsgTypeAck  uint8 = 2
	MsgTypeOpen uint8 = 3
)

var ErrNotOpen = errors.New("datachannel: not a DATA_CHANNEL_OPEN message")

// OpenMessage is a parsed DATA_CHANNEL_OPEN request.
type OpenMessage struct {
	ChannelType byte
	Priority    uint16
	Reliability uint32
	Label       string
	Protocol    string
}

// ParseOpen decodes a DATA_CHANNEL_OPEN message from a CONTROL payload.
func ParseOpen(data []byte) (*OpenMessage, error) {
	b := bitio.NewBitBuffer(data)
	if t := uint8(b.GetBytes(1)); t != MsgTypeOpen {
		if b.Err() != nil {
			return nil, fmt.Errorf("datachannel: open too short: %w", b.Err())
		}
		return nil, ErrNotOpen
	}
	m := &OpenMessage{
		ChannelType: byte(b.GetBytes(1)),
		Priority:    uint16(b.GetBytes(2)),
		Reliability: uint32(b.GetBytes(4)),
	}
	labelLen := int(b.GetBytes(2))
	protoLen := int(b.GetBytes(2))
	if b.Err() != nil {
		return nil, fmt.Errorf("datachannel: open too short: %w", b.Err())
	}
	if labelLen > 0 {
		m.Label = b.GetString(labelLen)
	}
	if protoLen > 0 {
		m.Protocol = b.GetString(protoLen)
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("datachannel: open label/protocol truncated: %w", err)
	}
	return m, nil
}

// BuildAck returns the one-byte DATA_CHANNEL_ACK message.
func BuildAck() []byte {
	return []byte{MsgTypeAck}
}
