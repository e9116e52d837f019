package sctp

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/993381/tms/internal/bitio"
	"github.com/993381/tms/internal/checksum"
	"github.com/993381/tms/internal/datachannel"
)

type sink struct {
	packets [][]byte
}

func (s *sink) send(pkt []byte) error {
	buf := make([]byte, len(pkt))
	copy(buf, pkt)
	s.packets = append(s.packets, buf)
	return nil
}

func inboundPacket(chunkType, flags uint8, chunk []byte) []byte {
	var pkt bitio.BitStream
	pkt.WriteBytes(2, 5000) // src port
	pkt.WriteBytes(2, 5000) // dst port
	pkt.WriteBytes(4, 0)    // verification tag
	pkt.WriteBytes(4, 0)    // checksum, not checked inbound
	pkt.WriteBytes(1, uint64(chunkType))
	pkt.WriteBytes(1, uint64(flags))
	pkt.WriteBytes(2, uint64(len(chunk)+4))
	pkt.WriteData(chunk)
	return pkt.Bytes()
}

func initPacket(initiateTag, aRwnd uint32, outbound, inbound uint16, initialTSN uint32) []byte {
	var chunk bitio.BitStream
	chunk.WriteBytes(4, uint64(initiateTag))
	chunk.WriteBytes(4, uint64(aRwnd))
	chunk.WriteBytes(2, uint64(outbound))
	chunk.WriteBytes(2, uint64(inbound))
	chunk.WriteBytes(4, uint64(initialTSN))
	return inboundPacket(ChunkInit, 0, chunk.Bytes())
}

func dataPacket(tsn uint32, streamID, streamSeq uint16, ppid uint32, userData []byte) []byte {
	var chunk bitio.BitStream
	chunk.WriteBytes(4, uint64(tsn))
	chunk.WriteBytes(2, uint64(streamID))
	chunk.WriteBytes(2, uint64(streamSeq))
	chunk.WriteBytes(4, uint64(ppid))
	chunk.WriteData(userData)
	return inboundPacket(ChunkData, dataChunkFlags, chunk.Bytes())
}

func dcepOpen(label string) []byte {
	var s bitio.BitStream
	s.WriteBytes(1, uint64(datachannel.MsgTypeOpen))
	s.WriteBytes(1, 0)
	s.WriteBytes(2, 0)
	s.WriteBytes(4, 0)
	s.WriteBytes(2, uint64(len(label)))
	s.WriteBytes(2, 0)
	s.WriteString(label)
	return s.Bytes()
}

func newAssoc(t *testing.T, cb Callbacks) (*Association, *sink) {
	t.Helper()
	out := &sink{}
	return NewAssociation(out.send, cb, zap.NewNop()), out
}

func TestInitProducesInitAck(t *testing.T) {
	a, out := newAssoc(t, Callbacks{})

	if err := a.HandlePacket(initPacket(0xDEAD, 65535, 10, 2, 1000)); err != nil {
		t.Fatal(err)
	}
	if a.CurrentState() != StateCookieWait {
		t.Fatalf("state = %v", a.CurrentState())
	}
	if len(out.packets) != 1 {
		t.Fatalf("sent %d packets", len(out.packets))
	}

	ack := out.packets[0]
	if !checksum.VerifySctp(ack) {
		t.Fatal("INIT-ACK checksum does not verify")
	}

	b := bitio.NewBitBuffer(ack)
	b.GetBytes(4) // ports
	if tag := uint32(b.GetBytes(4)); tag != 0xDEAD {
		t.Fatalf("verification tag = %#x", tag)
	}
	b.GetBytes(4) // checksum
	if ct := uint8(b.GetBytes(1)); ct != ChunkInitAck {
		t.Fatalf("chunk type = %d", ct)
	}
	b.GetBytes(1)
	b.GetBytes(2)
	if tag := uint32(b.GetBytes(4)); tag != 0xDEAD {
		t.Fatalf("initiate tag = %#x", tag)
	}
	if rwnd := uint32(b.GetBytes(4)); rwnd != 65535 {
		t.Fatalf("a_rwnd = %d", rwnd)
	}
	// stream counts come back swapped
	if ob := uint16(b.GetBytes(2)); ob != 2 {
		t.Fatalf("outbound streams = %d", ob)
	}
	if ib := uint16(b.GetBytes(2)); ib != 10 {
		t.Fatalf("inbound streams = %d", ib)
	}
	b.GetBytes(4) // initial TSN
	if pt := uint16(b.GetBytes(2)); pt != 0x07 {
		t.Fatalf("cookie param type = %#x", pt)
	}
	if pl := uint16(b.GetBytes(2)); pl != 8 {
		t.Fatalf("cookie param length = %d", pl)
	}
	if v := uint32(b.GetBytes(4)); v != stateCookieValue {
		t.Fatalf("cookie value = %#x", v)
	}
	if pt := uint16(b.GetBytes(2)); pt != 0xC000 {
		t.Fatalf("second param type = %#x", pt)
	}
	if err := b.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestCookieEchoProducesCookieAck(t *testing.T) {
	a, out := newAssoc(t, Callbacks{})
	if err := a.HandlePacket(inboundPacket(ChunkCookieEcho, 0, []byte{0xB0, 0x0B, 0x1E, 0x50})); err != nil {
		t.Fatal(err)
	}
	if a.CurrentState() != StateEstablished {
		t.Fatalf("state = %v", a.CurrentState())
	}
	ack := out.packets[0]
	if ack[12] != ChunkCookieAck {
		t.Fatalf("chunk type = %d", ack[12])
	}
	if l := int(ack[14])<<8 | int(ack[15]); l != 4 {
		t.Fatalf("chunk length = %d", l)
	}
	if !checksum.VerifySctp(ack) {
		t.Fatal("checksum does not verify")
	}
}

func TestDataChannelOpenAckAndSack(t *testing.T) {
	var opened *datachannel.OpenMessage
	a, out := newAssoc(t, Callbacks{
		OnOpen: func(m *datachannel.OpenMessage) { opened = m },
	})

	a.HandlePacket(initPacket(0xBEEF, 4096, 1, 1, 77))
	out.packets = nil

	if err := a.HandlePacket(dataPacket(78, 3, 0, datachannel.PPIDControl, dcepOpen("chat"))); err != nil {
		t.Fatal(err)
	}
	if !a.DataChannelOpen() {
		t.Fatal("data channel not open")
	}
	if opened == nil || opened.Label != "chat" {
		t.Fatalf("open message = %+v", opened)
	}
	if len(out.packets) != 2 {
		t.Fatalf("sent %d packets, want DATA ack + SACK", len(out.packets))
	}

	ack, sack := out.packets[0], out.packets[1]
	if ack[12] != ChunkData || ack[13] != dataChunkFlags {
		t.Fatalf("ack chunk type/flags = %d/%#x", ack[12], ack[13])
	}
	// DCEP ack is 13 chunk bytes, padded to a 4-byte boundary
	if l := int(ack[14])<<8 | int(ack[15]); l != 17 {
		t.Fatalf("ack chunk length = %d", l)
	}
	if len(ack) != 12+17+3 {
		t.Fatalf("ack packet length = %d", len(ack))
	}
	if ack[len(ack)-4] != datachannel.MsgTypeAck {
		t.Fatal("ack payload is not DATA_CHANNEL_ACK")
	}
	if !checksum.VerifySctp(ack) {
		t.Fatal("ack checksum does not verify")
	}

	if sack[12] != ChunkSack {
		t.Fatalf("sack chunk type = %d", sack[12])
	}
	b := bitio.NewBitBuffer(sack)
	b.GetData(16)
	if cum := uint32(b.GetBytes(4)); cum != 78 {
		t.Fatalf("cumulative TSN = %d", cum)
	}
	if rwnd := uint32(b.GetBytes(4)); rwnd != 4096 {
		t.Fatalf("a_rwnd = %d", rwnd)
	}
}

func TestHeartbeatEcho(t *testing.T) {
	a, out := newAssoc(t, Callbacks{})
	a.HandlePacket(initPacket(1, 1, 1, 1, 1))
	out.packets = nil

	var hb bitio.BitStream
	hb.WriteBytes(2, 1) // HEARTBEAT INFO
	hb.WriteBytes(2, 8)
	hb.WriteBytes(4, 0xCAFEBABE)
	if err := a.HandlePacket(inboundPacket(ChunkHeartbeat, 0, hb.Bytes())); err != nil {
		t.Fatal(err)
	}

	ack := out.packets[0]
	if ack[12] != ChunkHeartbeatAck {
		t.Fatalf("chunk type = %d", ack[12])
	}
	if !bytes.Equal(ack[16:24], hb.Bytes()) {
		t.Fatalf("heartbeat info not echoed: % X", ack[16:])
	}
}

func TestSackProducesCwr(t *testing.T) {
	a, out := newAssoc(t, Callbacks{})
	a.HandlePacket(initPacket(1, 1, 1, 1, 1))
	out.packets = nil

	var sack bitio.BitStream
	sack.WriteBytes(4, 0) // cumulative TSN
	sack.WriteBytes(4, 1024)
	sack.WriteBytes(2, 0)
	sack.WriteBytes(2, 0)
	if err := a.HandlePacket(inboundPacket(ChunkSack, 0, sack.Bytes())); err != nil {
		t.Fatal(err)
	}

	cwr := out.packets[0]
	if cwr[12] != ChunkCwr {
		t.Fatalf("chunk type = %d", cwr[12])
	}
	b := bitio.NewBitBuffer(cwr)
	b.GetData(16)
	if tsn := uint32(b.GetBytes(4)); tsn != a.LocalTSN() {
		t.Fatalf("CWR tsn = %d, want %d", tsn, a.LocalTSN())
	}
}

func TestUserDataDispatch(t *testing.T) {
	var gotPPID uint32
	var gotData []byte
	a, _ := newAssoc(t, Callbacks{
		OnUserData: func(ppid uint32, data []byte) {
			gotPPID, gotData = ppid, data
		},
	})
	a.HandlePacket(initPacket(1, 1, 1, 1, 1))

	a.HandlePacket(dataPacket(2, 0, 0, datachannel.PPIDString, []byte("hello")))
	if gotPPID != datachannel.PPIDString || string(gotData) != "hello" {
		t.Fatalf("got ppid %d data %q", gotPPID, gotData)
	}
}

func TestSendDataRequiresOpenChannel(t *testing.T) {
	a, _ := newAssoc(t, Callbacks{})
	if err := a.SendData([]byte("x"), datachannel.PPIDString); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err = %v", err)
	}
}

func TestSendDataPadding(t *testing.T) {
	a, out := newAssoc(t, Callbacks{})
	a.HandlePacket(initPacket(9, 9, 1, 1, 9))
	a.HandlePacket(dataPacket(10, 0, 0, datachannel.PPIDControl, dcepOpen("c")))
	out.packets = nil

	if err := a.SendData([]byte("abcde"), datachannel.PPIDString); err != nil {
		t.Fatal(err)
	}
	pkt := out.packets[0]
	// chunk length counts header + data header + 5 payload bytes, no padding
	if l := int(pkt[14])<<8 | int(pkt[15]); l != 4+12+5 {
		t.Fatalf("chunk length = %d", l)
	}
	// packet itself is padded to a 4-byte boundary
	if len(pkt)%4 != 0 {
		t.Fatalf("packet length %d not padded", len(pkt))
	}
	if !checksum.VerifySctp(pkt) {
		t.Fatal("checksum does not verify")
	}
}

func TestShortPacket(t *testing.T) {
	a, _ := newAssoc(t, Callbacks{})
	if err := a.HandlePacket(make([]byte, 10)); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("err = %v", err)
	}
}
