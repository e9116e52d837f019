// Package sctp implements the minimal SCTP association needed to carry a
// browser DataChannel over DTLS: INIT/COOKIE handshake, DATA with DCEP
// open/ack, SACK, and heartbeats. One association per session, driven
// synchronously from the session loop.
package sctp

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/993381/tms/internal/bitio"
	"github.com/993381/tms/internal/checksum"
	"github.com/993381/tms/internal/datachannel"
)

// Chunk types (RFC 4960).
const (
	ChunkData         uint8 = 0
	ChunkInit         uint8 = 1
	ChunkInitAck      uint8 = 2
	ChunkSack         uint8 = 3
	ChunkHeartbeat    uint8 = 4
	ChunkHeartbeatAck uint8 = 5
	ChunkCookieEcho   uint8 = 10
	ChunkCookieAck    uint8 = 11
	ChunkCwr          uint8 = 13
)

// DATA chunk flags: unordered clear, beginning, ending, complete.
const dataChunkFlags = 0x07

const (
	commonHeaderLen = 12
	chunkHeaderLen  = 4
	dataHeaderLen   = 12

	stateCookieValue = 0xB00B1E5
)

// State is the association's position in the DataChannel-only handshake.
type State int

const (
	StateClosed State = iota
	StateCookieWait
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateCookieWait:
		return "cookie-wait"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

var (
	ErrShortPacket = errors.New("sctp: packet too short")
	ErrNotOpen     = errors.New("sctp: data channel not open")
)

// Callbacks receive DataChannel events from the association. Both run
// synchronously inside HandlePacket.
type Callbacks struct {
	// OnOpen fires once when the peer's DATA_CHANNEL_OPEN is acked.
	OnOpen func(*datachannel.OpenMessage)
	// OnUserData fires for every non-CONTROL DATA chunk.
	OnUserData func(ppid uint32, data []byte)
}

// Association is the per-session SCTP endpoint. Outbound packets go through
// send, which delivers them as DTLS application data.
type Association struct {
	send func([]byte) error
	cb   Callbacks
	log  *zap.Logger

	state State

	srcPort     uint16
	dstPort     uint16
	initiateTag uint32
	aRwnd       uint32
	remoteTSN   uint32
	localTSN    uint32
	streamID    uint16
	streamSeq   uint16

	dataChannelOpen bool
}

// NewAssociation creates an association that is waiting for the peer's INIT.
func NewAssociation(send func([]byte) error, cb Callbacks, log *zap.Logger) *Association {
	return &Association{send: send, cb: cb, log: log}
}

// CurrentState returns the handshake state.
func (a *Association) CurrentState() State { return a.state }

// DataChannelOpen reports whether the peer's DataChannel has been opened.
func (a *Association) DataChannelOpen() bool { return a.dataChannelOpen }

// LocalTSN returns the next transmission sequence number to be allocated.
func (a *Association) LocalTSN() uint32 { return a.localTSN }

// GetAndAddTsn allocates the next outbound TSN.
func (a *Association) GetAndAddTsn() uint32 {
	tsn := a.localTSN
	a.localTSN++
	return tsn
}

// HandlePacket processes one SCTP packet received over DTLS. Only the first
// chunk is interpreted; trailing chunks are ignored.
func (a *Association) HandlePacket(pkt []byte) error {
	b := bitio.NewBitBuffer(pkt)
	if !b.MoreThanBytes(commonHeaderLen + chunkHeaderLen) {
		return fmt.Errorf("%w: %d bytes", ErrShortPacket, len(pkt))
	}

	a.srcPort = uint16(b.GetBytes(2))
	a.dstPort = uint16(b.GetBytes(2))
	b.GetBytes(4) // verification tag
	b.GetBytes(4) // checksum
	chunkType := uint8(b.GetBytes(1))
	chunkFlags := uint8(b.GetBytes(1))
	chunkLength := int(b.GetBytes(2))

	a.log.Debug("sctp chunk",
		zap.Uint8("type", chunkType),
		zap.Uint8("flags", chunkFlags),
		zap.Int("length", chunkLength),
		zap.String("state", a.state.String()))

	switch chunkType {
	case ChunkInit:
		return a.handleInit(b)
	case ChunkCookieEcho:
		return a.handleCookieEcho()
	case ChunkData:
		return a.handleData(b, chunkLength)
	case ChunkHeartbeat:
		return a.handleHeartbeat(b)
	case ChunkSack:
		return a.handleSack(b)
	default:
		return nil
	}
}

func (a *Association) handleInit(b *bitio.BitBuffer) error {
	a.initiateTag = uint32(b.GetBytes(4))
	a.aRwnd = uint32(b.GetBytes(4))
	outbound := uint16(b.GetBytes(2))
	inbound := uint16(b.GetBytes(2))
	initialTSN := uint32(b.GetBytes(4))
	if err := b.Err(); err != nil {
		return fmt.Errorf("parse INIT: %w", err)
	}
	a.remoteTSN = initialTSN

	// optional parameters, skipped
	for b.MoreThanBytes(4) {
		b.GetBytes(2)
		plen := int(b.GetBytes(2))
		if !b.MoreThanBytes(plen) {
			break
		}
		b.GetData(plen)
	}

	var chunk bitio.BitStream
	chunk.WriteBytes(4, uint64(a.initiateTag))
	chunk.WriteBytes(4, uint64(a.aRwnd))
	// stream counts swapped: their outbound is our inbound
	chunk.WriteBytes(2, uint64(inbound))
	chunk.WriteBytes(2, uint64(outbound))
	chunk.WriteBytes(4, uint64(a.GetAndAddTsn()))
	// state cookie stub
	chunk.WriteBytes(2, 0x07)
	chunk.WriteBytes(2, 8)
	chunk.WriteBytes(4, stateCookieValue)
	chunk.WriteBytes(2, 0xC000)
	chunk.WriteBytes(2, 4)

	a.state = StateCookieWait
	return a.sendChunk(ChunkInitAck, 0x00, chunk.Bytes(), false)
}

func (a *Association) handleCookieEcho() error {
	a.state = StateEstablished
	return a.sendChunk(ChunkCookieAck, 0x00, nil, false)
}

func (a *Association) handleData(b *bitio.BitBuffer, chunkLength int) error {
	a.remoteTSN = uint32(b.GetBytes(4))
	a.streamID = uint16(b.GetBytes(2))
	a.streamSeq = uint16(b.GetBytes(2))
	ppid := uint32(b.GetBytes(4))
	if err := b.Err(); err != nil {
		return fmt.Errorf("parse DATA: %w", err)
	}

	userLen := chunkLength - chunkHeaderLen - dataHeaderLen
	if userLen < 0 || userLen > b.BytesLeft() {
		userLen = b.BytesLeft()
	}
	userData := b.GetData(userLen)

	if ppid == datachannel.PPIDControl {
		open, err := datachannel.ParseOpen(userData)
		if err != nil {
			if !errors.Is(err, datachannel.ErrNotOpen) {
				a.log.Warn("bad DCEP control message", zap.Error(err))
			}
			return nil
		}
		if err := a.ackOpen(); err != nil {
			return err
		}
		a.dataChannelOpen = true
		if a.cb.OnOpen != nil {
			a.cb.OnOpen(open)
		}
		return a.sendSack()
	}

	if a.cb.OnUserData != nil {
		a.cb.OnUserData(ppid, userData)
	}
	return nil
}

// ackOpen replies to DATA_CHANNEL_OPEN with a DATA chunk carrying
// DATA_CHANNEL_ACK on the same stream.
func (a *Association) ackOpen() error {
	var chunk bitio.BitStream
	chunk.WriteBytes(4, uint64(a.GetAndAddTsn()))
	chunk.WriteBytes(2, uint64(a.streamID))
	chunk.WriteBytes(2, 0)
	chunk.WriteBytes(4, uint64(datachannel.PPIDControl))
	chunk.WriteData(datachannel.BuildAck())
	return a.sendChunk(ChunkData, dataChunkFlags, chunk.Bytes(), true)
}

func (a *Association) sendSack() error {
	var chunk bitio.BitStream
	chunk.WriteBytes(4, uint64(a.remoteTSN))
	chunk.WriteBytes(4, uint64(a.aRwnd))
	chunk.WriteBytes(2, 0) // gap ack blocks
	chunk.WriteBytes(2, 0) // duplicate TSNs
	return a.sendChunk(ChunkSack, 0x00, chunk.Bytes(), false)
}

func (a *Association) handleHeartbeat(b *bitio.BitBuffer) error {
	infoType := uint16(b.GetBytes(2))
	infoLength := uint16(b.GetBytes(2))
	info := b.GetData(b.BytesLeft())
	if err := b.Err(); err != nil {
		return fmt.Errorf("parse HEARTBEAT: %w", err)
	}

	var chunk bitio.BitStream
	chunk.WriteBytes(2, uint64(infoType))
	chunk.WriteBytes(2, uint64(infoLength))
	chunk.WriteData(info)
	return a.sendChunk(ChunkHeartbeatAck, 0x00, chunk.Bytes(), false)
}

func (a *Association) handleSack(b *bitio.BitBuffer) error {
	b.GetBytes(4) // cumulative TSN ack
	b.GetBytes(4) // a_rwnd
	gapBlocks := int(b.GetBytes(2))
	dupTSNs := int(b.GetBytes(2))
	for i := 0; i < gapBlocks && b.MoreThanBytes(4); i++ {
		b.GetBytes(4)
	}
	for i := 0; i < dupTSNs && b.MoreThanBytes(4); i++ {
		b.GetBytes(4)
	}

	var chunk bitio.BitStream
	chunk.WriteBytes(4, uint64(a.localTSN))
	return a.sendChunk(ChunkCwr, 0x00, chunk.Bytes(), false)
}

// SendData frames user data into a DATA chunk on the open channel's stream.
func (a *Association) SendData(data []byte, ppid uint32) error {
	if !a.dataChannelOpen {
		return ErrNotOpen
	}
	var chunk bitio.BitStream
	chunk.WriteBytes(4, uint64(a.GetAndAddTsn()))
	chunk.WriteBytes(2, uint64(a.streamID))
	chunk.WriteBytes(2, uint64(a.streamSeq))
	chunk.WriteBytes(4, uint64(ppid))
	chunk.WriteData(data)
	return a.sendChunk(ChunkData, dataChunkFlags, chunk.Bytes(), true)
}

// sendChunk wraps one chunk in a common header addressed back to the peer,
// pads the payload to a 4-byte boundary (padding is not counted in the chunk
// length), and patches the checksum last.
func (a *Association) sendChunk(chunkType, flags uint8, chunk []byte, pad bool) error {
	var pkt bitio.BitStream
	pkt.WriteBytes(2, uint64(a.dstPort))
	pkt.WriteBytes(2, uint64(a.srcPort))
	pkt.WriteBytes(4, uint64(a.initiateTag))
	pkt.WriteBytes(4, 0) // checksum, patched below
	pkt.WriteBytes(1, uint64(chunkType))
	pkt.WriteBytes(1, uint64(flags))
	pkt.WriteBytes(2, uint64(len(chunk)+chunkHeaderLen))
	pkt.WriteData(chunk)
	if pad {
		if rem := len(chunk) % 4; rem != 0 {
			pkt.WriteBytes(4-rem, 0)
		}
	}

	pkt.ReplaceBytes(8, 4, uint64(checksum.Sctp(pkt.Bytes())))
	return a.send(pkt.Bytes())
}
