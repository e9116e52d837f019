// Package session owns one WebRTC peer. It demultiplexes the peer's UDP
// flow into STUN, DTLS and SRTP, runs the handshakes on top, and moves
// media between the peer and the stream registry.
package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/993381/tms/internal/datachannel"
	"github.com/993381/tms/internal/dtlsconn"
	"github.com/993381/tms/internal/ice"
	"github.com/993381/tms/internal/media"
	"github.com/993381/tms/internal/metrics"
	"github.com/993381/tms/internal/nackcache"
	"github.com/993381/tms/internal/registry"
	"github.com/993381/tms/internal/sctp"
	"github.com/993381/tms/internal/srtpcrypt"
)

const (
	// iceTieBreaker is the ICE-CONTROLLED tie-breaker sent in outbound checks.
	iceTieBreaker uint64 = 123

	// recvTimeoutMs marks a session closeable after this long without a packet.
	recvTimeoutMs = 10_000

	// ticksPerKeyframeRequest spaces PLIs at one per second on a 20ms tick.
	ticksPerKeyframeRequest = 50

	// ticksPerKeepalive spaces data channel keepalives at one per second.
	ticksPerKeepalive = 50

	rtpHeaderLen     = 12
	rtpExtensionFlag = 0x10
)

// keyframeRequester is implemented by publishers that can ask their peer for
// a fresh keyframe on behalf of a subscriber.
type keyframeRequester interface {
	RequestKeyframe()
}

// Config carries everything a session needs from the engine.
type Config struct {
	App    string
	Stream string

	Creds *ice.Credentials
	Cert  tls.Certificate
	// Role selects the DTLS side. Sessions on the shared socket accept;
	// sessions moved to a dedicated peer socket connect.
	Role dtlsconn.Role

	Registry *registry.Registry
	// NackRing is the retransmit cache size in packets.
	NackRing int

	// Send writes one datagram to the peer.
	Send func([]byte) error
	// Post schedules fn onto the engine loop. All session state is owned by
	// that loop; goroutines owned by the session hand events back through it.
	Post func(func())

	Clock  media.Clock
	Logger *zap.Logger

	// TimeoutMs overrides the receive timeout. Zero keeps the default.
	TimeoutMs int64

	// EnableFir additionally sends a FULL INTRA REQUEST alongside each
	// periodic PLI. Some encoders ignore PLI but honor FIR.
	EnableFir bool

	// DebugLoopback attaches the session to an arbitrary registered publisher
	// when its data channel opens, instead of waiting for a play request.
	DebugLoopback bool
}

// Session is one peer connection. Every method must be called from the
// engine loop; the DTLS endpoint's goroutine re-enters through cfg.Post.
type Session struct {
	cfg Config
	id  string
	log *zap.Logger

	dtls   *dtlsconn.Endpoint
	assoc  *sctp.Association
	prot   *srtpcrypt.Protector
	router *datachannel.Router
	cache  *nackcache.Cache

	dtlsDone          bool
	closeable         bool
	registered        bool
	sentClientRequest bool

	publisherVideoSSRC uint32
	publisherAudioSSRC uint32

	seqInit      bool
	lastVideoSeq uint16
	videoCycles  uint32
	videoSeqExt  uint32

	subscribers map[string]media.Subscriber
	publisher   media.Publisher

	lastRecvMs int64
	tickCount  uint64
	timeoutMs  int64
	firSeq     uint8
}

// New creates a session ready to receive the peer's first datagram.
func New(cfg Config) *Session {
	s := &Session{
		cfg:         cfg,
		id:          uuid.NewString(),
		cache:       nackcache.New(cfg.NackRing),
		router:      datachannel.NewRouter(),
		subscribers: make(map[string]media.Subscriber),
		lastRecvMs:  cfg.Clock.NowMs(),
		timeoutMs:   cfg.TimeoutMs,
	}
	if s.timeoutMs == 0 {
		s.timeoutMs = recvTimeoutMs
	}
	s.log = cfg.Logger.With(
		zap.String("session", s.id),
		zap.String("app", cfg.App),
		zap.String("stream", cfg.Stream))

	s.assoc = sctp.NewAssociation(s.sendSctp, sctp.Callbacks{
		OnOpen:     s.onChannelOpen,
		OnUserData: s.onUserData,
	}, s.log)

	s.router.Register(datachannel.PPIDString, func(data []byte) error {
		s.log.Debug("data channel text", zap.ByteString("data", data))
		reply := fmt.Sprintf("pong %d", s.cfg.Clock.NowMs())
		return s.assoc.SendData([]byte(reply), datachannel.PPIDString)
	})

	s.dtls = dtlsconn.NewEndpoint(cfg.Role, cfg.Cert, &net.UDPAddr{}, func(p []byte) {
		s.send(p)
	}, dtlsconn.Callbacks{
		OnConnected: func(k dtlsconn.Keys) { cfg.Post(func() { s.onDtlsConnected(k) }) },
		OnData:      func(d []byte) { cfg.Post(func() { s.onDtlsData(d) }) },
		OnError:     func(err error) { cfg.Post(func() { s.onDtlsError(err) }) },
	})
	return s
}

// Start launches the DTLS endpoint. For the accepting role it sits waiting
// for the peer's ClientHello.
func (s *Session) Start() { s.dtls.Start() }

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// IsWebRTC marks the session as a raw-RTP subscriber.
func (s *Session) IsWebRTC() bool { return true }

// Closeable reports whether the engine should tear the session down.
func (s *Session) Closeable() bool { return s.closeable }

// VideoSSRC returns the SSRC the publishing peer stamps on its video.
func (s *Session) VideoSSRC() uint32 { return s.publisherVideoSSRC }

// Close releases the session's registry entries and the DTLS endpoint.
func (s *Session) Close() {
	if s.registered {
		s.cfg.Registry.UnregisterStream(s.cfg.App, s.cfg.Stream, s)
		s.registered = false
	}
	if s.publisher != nil {
		s.publisher.RemoveSubscriber(s.id)
		s.publisher = nil
	}
	s.dtls.Close()
	s.log.Info("session closed")
}

// HandleDatagram classifies one inbound datagram by its first byte and routes
// it to the STUN, DTLS or SRTP path. Unclassifiable datagrams are dropped.
func (s *Session) HandleDatagram(data []byte, from *net.UDPAddr) {
	if len(data) < 2 {
		return
	}
	s.lastRecvMs = s.cfg.Clock.NowMs()

	b := data[0]
	switch {
	case b <= 1:
		metrics.DatagramsTotal.WithLabelValues("stun").Inc()
		s.handleStun(data, from)
	case b >= 20 && b <= 63:
		metrics.DatagramsTotal.WithLabelValues("dtls").Inc()
		s.dtls.Feed(data)
	case b >= 128 && b <= 191:
		if pt := data[1]; pt >= 200 && pt <= 206 {
			metrics.DatagramsTotal.WithLabelValues("rtcp").Inc()
			s.handleRtcp(data)
		} else {
			metrics.DatagramsTotal.WithLabelValues("rtp").Inc()
			s.handleRtp(data)
		}
	default:
		metrics.DatagramsTotal.WithLabelValues("unknown").Inc()
		s.log.Debug("unclassifiable datagram", zap.Uint8("first_byte", b), zap.Int("len", len(data)))
	}
}

func (s *Session) handleStun(data []byte, from *net.UDPAddr) {
	msg, err := ice.Parse(data)
	if err != nil {
		s.log.Debug("drop stun", zap.Error(err))
		return
	}

	switch msg.Type {
	case ice.TypeBindingRequest:
		local, remote, err := msg.SplitUsername()
		if err != nil {
			s.log.Debug("drop binding request", zap.Error(err))
			return
		}
		if local != s.cfg.Creds.LocalUfrag {
			s.log.Debug("binding request for unknown ufrag", zap.String("ufrag", local))
			return
		}
		if !ice.VerifyMessageIntegrity(data, s.cfg.Creds.LocalPwd) {
			s.log.Warn("binding request failed integrity check")
			return
		}
		if s.cfg.Creds.RemoteUfrag == "" {
			s.cfg.Creds.RemoteUfrag = remote
		}

		resp := ice.BuildBindingResponse(msg.TransactionID, from.IP, uint16(from.Port),
			msg.Username, s.cfg.Creds.LocalPwd)
		s.send(resp)

		if s.cfg.Creds.RemotePwd != "" && !s.sentClientRequest {
			s.sentClientRequest = true
			s.send(ice.BuildBindingRequest(
				s.cfg.Creds.LocalUfrag, s.cfg.Creds.RemoteUfrag, s.cfg.Creds.RemotePwd, iceTieBreaker))
		}

	case ice.TypeBindingResponse:
		if s.cfg.Creds.RemotePwd == "" {
			return
		}
		s.send(ice.BuildBindingIndication(s.cfg.Creds.RemotePwd))

	default:
		// indications and errors need no reply
	}
}

func (s *Session) onDtlsConnected(k dtlsconn.Keys) {
	prot, err := srtpcrypt.New(k.LocalKey, k.LocalSalt, k.RemoteKey, k.RemoteSalt)
	if err != nil {
		s.log.Error("srtp contexts", zap.Error(err))
		s.closeable = true
		return
	}
	s.prot = prot
	s.dtlsDone = true
	s.log.Info("dtls established")
}

func (s *Session) onDtlsData(d []byte) {
	if err := s.assoc.HandlePacket(d); err != nil {
		s.log.Warn("sctp packet", zap.Error(err))
	}
}

func (s *Session) onDtlsError(err error) {
	s.log.Warn("dtls", zap.Error(err))
	s.closeable = true
}

func (s *Session) sendSctp(pkt []byte) error {
	return s.dtls.Send(pkt)
}

func (s *Session) onChannelOpen(open *datachannel.OpenMessage) {
	s.log.Info("data channel open", zap.String("label", open.Label))
	if !s.cfg.DebugLoopback {
		return
	}
	app, stream, pub, ok := s.cfg.Registry.DebugGetRandomMediaPublisher()
	if !ok {
		s.log.Warn("loopback requested but no publisher registered")
		return
	}
	s.log.Info("loopback attach", zap.String("app", app), zap.String("stream", stream))
	s.Subscribe(pub)
}

func (s *Session) onUserData(ppid uint32, data []byte) {
	if err := s.router.Dispatch(ppid, data); err != nil {
		s.log.Warn("data channel message", zap.Uint32("ppid", ppid), zap.Error(err))
	}
}

// Subscribe attaches this session to a publisher's fan-out.
func (s *Session) Subscribe(pub media.Publisher) {
	if s.publisher != nil {
		s.publisher.RemoveSubscriber(s.id)
	}
	s.publisher = pub
	s.cfg.Registry.AddSubscriber(pub, s)
}

// AddSubscriber attaches a subscriber to this session's published stream.
func (s *Session) AddSubscriber(sub media.Subscriber) {
	s.subscribers[sub.ID()] = sub
}

// RemoveSubscriber detaches a subscriber by ID.
func (s *Session) RemoveSubscriber(id string) {
	delete(s.subscribers, id)
}

func (s *Session) handleRtp(data []byte) {
	if s.prot == nil {
		return
	}
	plain, err := s.prot.UnprotectRTP(data)
	if err != nil {
		s.log.Debug("srtp unprotect", zap.Error(err))
		return
	}
	metrics.RTPPacketsTotal.Inc()
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(plain); err != nil {
		s.log.Debug("rtp header", zap.Error(err))
		return
	}
	codec, kind := media.CodecByPayloadType(hdr.PayloadType)
	if kind == media.KindUnknown {
		s.log.Debug("rtp unknown payload type", zap.Uint8("pt", hdr.PayloadType))
		return
	}

	if !s.registered {
		s.cfg.Registry.RegisterStream(s.cfg.App, s.cfg.Stream, s)
		s.registered = true
		s.log.Info("publishing", zap.String("codec", codec.String()))
	}

	switch kind {
	case media.KindVideo:
		if s.publisherVideoSSRC == 0 {
			s.publisherVideoSSRC = hdr.SSRC
		}
		putUint32(plain[8:12], media.VideoSSRC)
	case media.KindAudio:
		if s.publisherAudioSSRC == 0 {
			s.publisherAudioSSRC = hdr.SSRC
		}
		putUint32(plain[8:12], media.AudioSSRC)
	}

	if hdr.Extension {
		plain = stripExtension(plain)
	}

	// RTP clock rates: 90 kHz for the video codecs, 48 kHz for Opus.
	ticksPerMs := uint32(90)
	if kind == media.KindAudio {
		ticksPerMs = 48
	}
	p := &media.Payload{
		Data:  plain,
		Kind:  kind,
		Codec: codec,
		PTS:   hdr.Timestamp / ticksPerMs,
		DTS:   hdr.Timestamp / ticksPerMs,
	}
	for _, sub := range s.subscribers {
		if !sub.IsWebRTC() {
			continue
		}
		if err := sub.SendData(p); err != nil {
			s.log.Debug("forward", zap.String("subscriber", sub.ID()), zap.Error(err))
		}
	}
}

// SendData delivers one payload from the publisher this session subscribes
// to. Video packets are tracked by extended sequence number and cached for
// retransmission.
func (s *Session) SendData(p *media.Payload) error {
	if !s.dtlsDone {
		return nil
	}
	if len(p.Data) < rtpHeaderLen {
		return fmt.Errorf("rtp packet too short: %d bytes", len(p.Data))
	}

	var extSeq uint32
	if p.Kind == media.KindVideo {
		seq := uint16(p.Data[2])<<8 | uint16(p.Data[3])
		if !s.seqInit {
			s.seqInit = true
		} else if seq < s.lastVideoSeq && s.lastVideoSeq-seq > 32768 {
			s.videoCycles++
		}
		s.lastVideoSeq = seq
		extSeq = s.videoCycles<<16 | uint32(seq)
		s.videoSeqExt = extSeq
	}

	protected, err := s.prot.ProtectRTP(p.Data)
	if err != nil {
		return fmt.Errorf("srtp protect: %w", err)
	}
	if p.Kind == media.KindVideo {
		s.cache.Put(extSeq, protected)
	}
	return s.cfg.Send(protected)
}

func (s *Session) handleRtcp(data []byte) {
	if s.prot == nil {
		return
	}
	plain, err := s.prot.UnprotectRTCP(data)
	if err != nil {
		s.log.Debug("srtcp unprotect", zap.Error(err))
		return
	}
	pkts, err := rtcp.Unmarshal(plain)
	if err != nil {
		s.log.Debug("rtcp parse", zap.Error(err))
		return
	}
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				s.log.Debug("receiver report",
					zap.Uint32("ssrc", r.SSRC),
					zap.Uint8("fraction_lost", r.FractionLost),
					zap.Uint32("jitter", r.Jitter))
			}
		case *rtcp.TransportLayerNack:
			s.handleNack(p)
		case *rtcp.PictureLossIndication, *rtcp.SliceLossIndication, *rtcp.FullIntraRequest:
			s.requestUpstreamKeyframe()
		default:
		}
	}
}

// handleNack retransmits cached packets. A pair with a zero bitmask asks for
// the packet itself plus the sixteen that follow; a nonzero bitmask asks only
// for the packets its set bits name, offset one past the packet ID.
func (s *Session) handleNack(n *rtcp.TransportLayerNack) {
	for _, pair := range n.Nacks {
		base := s.videoSeqExt - s.videoSeqExt%65536 + uint32(pair.PacketID)
		if pair.LostPackets != 0 {
			for i := uint32(0); i < 16; i++ {
				if pair.LostPackets&(1<<i) != 0 {
					s.retransmit(base + i + 1)
				}
			}
			continue
		}
		s.retransmit(base)
		for i := uint32(1); i <= 16; i++ {
			s.retransmit(base + i)
		}
	}
}

func (s *Session) retransmit(extSeq uint32) {
	pkt := s.cache.Get(extSeq)
	if pkt == nil {
		metrics.NackMissesTotal.Inc()
		s.log.Debug("nack miss", zap.Uint32("ext_seq", extSeq))
		return
	}
	metrics.RetransmitsTotal.Inc()
	s.send(pkt)
}

func (s *Session) requestUpstreamKeyframe() {
	if s.publisher == nil {
		return
	}
	if kr, ok := s.publisher.(keyframeRequester); ok {
		kr.RequestKeyframe()
	}
}

// RequestKeyframe sends a PLI to the publishing peer immediately.
func (s *Session) RequestKeyframe() { s.sendPli() }

func (s *Session) sendPli() {
	if s.prot == nil || s.publisherVideoSSRC == 0 {
		return
	}
	pli := rtcp.PictureLossIndication{
		SenderSSRC: media.VideoSSRC,
		MediaSSRC:  s.publisherVideoSSRC,
	}
	raw, err := pli.Marshal()
	if err != nil {
		s.log.Warn("pli marshal", zap.Error(err))
		return
	}
	protected, err := s.prot.ProtectRTCP(raw)
	if err != nil {
		s.log.Warn("pli protect", zap.Error(err))
		return
	}
	metrics.KeyframeRequestsTotal.Inc()
	s.send(protected)
}

func (s *Session) sendFir() {
	if s.prot == nil || s.publisherVideoSSRC == 0 {
		return
	}
	s.firSeq++
	fir := rtcp.FullIntraRequest{
		SenderSSRC: media.VideoSSRC,
		MediaSSRC:  s.publisherVideoSSRC,
		FIR: []rtcp.FIREntry{{
			SSRC:           s.publisherVideoSSRC,
			SequenceNumber: s.firSeq,
		}},
	}
	raw, err := fir.Marshal()
	if err != nil {
		s.log.Warn("fir marshal", zap.Error(err))
		return
	}
	protected, err := s.prot.ProtectRTCP(raw)
	if err != nil {
		s.log.Warn("fir protect", zap.Error(err))
		return
	}
	s.send(protected)
}

// Tick runs the session's periodic work. The engine calls it every 20ms.
func (s *Session) Tick(nowMs int64) {
	if s.closeable {
		return
	}
	s.tickCount++

	if s.registered && s.tickCount%ticksPerKeyframeRequest == 0 {
		s.sendPli()
		if s.cfg.EnableFir {
			s.sendFir()
		}
	}

	if s.assoc.DataChannelOpen() && s.tickCount%ticksPerKeepalive == 0 {
		msg := fmt.Sprintf("keepalive %d tsn %d", nowMs, s.assoc.LocalTSN())
		if err := s.assoc.SendData([]byte(msg), datachannel.PPIDString); err != nil {
			s.log.Debug("keepalive", zap.Error(err))
		}
	}

	if nowMs-s.lastRecvMs >= s.timeoutMs {
		s.log.Info("receive timeout", zap.Duration("idle", time.Duration(nowMs-s.lastRecvMs)*time.Millisecond))
		s.closeable = true
	}
}

func (s *Session) send(pkt []byte) {
	if err := s.cfg.Send(pkt); err != nil {
		s.log.Debug("send", zap.Error(err))
	}
}

// stripExtension removes the RTP header extension in place by sliding the
// fixed header and CSRCs forward over it, then clearing the X bit.
func stripExtension(raw []byte) []byte {
	cc := int(raw[0] & 0x0F)
	fixedLen := rtpHeaderLen + 4*cc
	if len(raw) < fixedLen+4 {
		return raw
	}
	extWords := int(raw[fixedLen+2])<<8 | int(raw[fixedLen+3])
	extLen := 4 + extWords*4
	if len(raw) < fixedLen+extLen {
		return raw
	}
	copy(raw[extLen:extLen+fixedLen], raw[:fixedLen])
	out := raw[extLen:]
	out[0] &^= rtpExtensionFlag
	return out
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
