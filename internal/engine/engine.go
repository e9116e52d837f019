// Package engine runs the UDP media plane. A single loop goroutine owns
// every session; a 20ms tick drives periodic session work and teardown.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/993381/tms/internal/dtlsconn"
	"github.com/993381/tms/internal/ice"
	"github.com/993381/tms/internal/metrics"
	"github.com/993381/tms/internal/registry"
	"github.com/993381/tms/internal/session"
)

const (
	tickInterval = 20 * time.Millisecond
	readBufSize  = 2048

	// socketBufBytes is applied to every UDP socket so bursts of video do
	// not drop in the kernel.
	socketBufBytes = 10 * 1024 * 1024
)

type wallClock struct{}

func (wallClock) NowMs() int64 { return time.Now().UnixMilli() }

// binding is a signaled-but-not-yet-connected peer, keyed by local ufrag.
type binding struct {
	app    string
	stream string
	creds  *ice.Credentials
}

type entry struct {
	sess     *session.Session
	creds    *ice.Credentials
	peerConn *net.UDPConn
}

// Config carries the engine's listen and session parameters.
type Config struct {
	// ListenAddr is the shared media socket, e.g. ":8000".
	ListenAddr string
	// PeerSocketAddr, when non-empty, moves each new peer onto a dedicated
	// connected socket bound here, with the engine taking the DTLS client
	// role on that socket. Empty keeps everything on the shared socket.
	PeerSocketAddr string

	Cert     tls.Certificate
	NackRing int

	// SessionTimeoutMs overrides each session's receive timeout.
	SessionTimeoutMs int64
	EnableFir        bool
	DebugLoopback    bool

	Logger *zap.Logger
}

// Engine owns the media socket and all sessions. All session state is
// confined to the loop goroutine; readers and the DTLS endpoints hand
// events in through post.
type Engine struct {
	cfg Config
	log *zap.Logger

	registry *registry.Registry
	creds    *ice.Store

	mu       sync.Mutex
	bindings map[string]*binding

	conn     *net.UDPConn
	loop     chan func()
	done     chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
	sessions map[string]*entry
}

// New creates an engine that is not yet listening.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger.Named("engine"),
		registry: registry.New(),
		creds:    ice.NewStore(),
		bindings: make(map[string]*binding),
		loop:     make(chan func(), 256),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		sessions: make(map[string]*entry),
	}
}

// Registry exposes the stream directory to the signaling layer.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Ready is closed once the media socket is listening.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Addr returns the media socket address. Valid after Ready.
func (e *Engine) Addr() net.Addr { return e.conn.LocalAddr() }

// AllocateSession reserves credentials for a signaled peer. The returned
// credentials carry the local half for the SDP answer; the remote half is
// taken from the peer's offer. Safe to call from any goroutine.
func (e *Engine) AllocateSession(app, stream, remoteUfrag, remotePwd string) (*ice.Credentials, error) {
	creds, err := ice.NewCredentials()
	if err != nil {
		return nil, fmt.Errorf("allocate session: %w", err)
	}
	creds.RemoteUfrag = remoteUfrag
	creds.RemotePwd = remotePwd

	e.creds.Put(creds)
	e.mu.Lock()
	e.bindings[creds.LocalUfrag] = &binding{app: app, stream: stream, creds: creds}
	e.mu.Unlock()

	e.log.Info("session allocated",
		zap.String("app", app),
		zap.String("stream", stream),
		zap.String("ufrag", creds.LocalUfrag))
	return creds, nil
}

func (e *Engine) lookupBinding(localUfrag string) (*binding, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bindings[localUfrag]
	return b, ok
}

func (e *Engine) dropBinding(localUfrag string) {
	e.creds.Remove(localUfrag)
	e.mu.Lock()
	delete(e.bindings, localUfrag)
	e.mu.Unlock()
}

// ReleaseSession tears down a signaled session. Safe to call from any
// goroutine; the media-plane teardown happens on the loop.
func (e *Engine) ReleaseSession(localUfrag string) {
	e.dropBinding(localUfrag)
	e.post(func() {
		for key, ent := range e.sessions {
			if ent.creds.LocalUfrag == localUfrag {
				e.remove(key, ent)
			}
		}
	})
}

// Run listens on the media socket and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", e.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.ListenAddr, err)
	}
	e.conn = conn
	conn.SetReadBuffer(socketBufBytes)
	conn.SetWriteBuffer(socketBufBytes)
	close(e.ready)
	e.log.Info("media socket listening", zap.String("addr", conn.LocalAddr().String()))

	e.wg.Add(1)
	go e.readLoop(conn, nil)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	clock := wallClock{}

	for {
		select {
		case <-ctx.Done():
			close(e.done)
			conn.Close()
			e.closeAll()
			e.wg.Wait()
			return nil
		case fn := <-e.loop:
			fn()
		case <-ticker.C:
			e.tick(clock.NowMs())
		}
	}
}

// post hands fn to the loop goroutine. After shutdown it is a no-op.
func (e *Engine) post(fn func()) {
	select {
	case e.loop <- fn:
	case <-e.done:
	}
}

// readLoop pumps one socket into the loop. A nil ent means the shared
// socket, where datagrams still need to be matched to a session.
func (e *Engine) readLoop(conn *net.UDPConn, ent *entry) {
	defer e.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
			default:
				e.log.Warn("udp read", zap.Error(err))
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		peer := from
		if ent != nil {
			e.post(func() { ent.sess.HandleDatagram(data, peer) })
		} else {
			e.post(func() { e.dispatch(data, peer) })
		}
	}
}

// dispatch routes one shared-socket datagram. Unknown sources are admitted
// only through a valid connectivity check for allocated credentials.
func (e *Engine) dispatch(data []byte, from *net.UDPAddr) {
	key := from.String()
	if ent, ok := e.sessions[key]; ok {
		ent.sess.HandleDatagram(data, from)
		return
	}

	if len(data) == 0 || data[0] > 1 {
		e.log.Debug("datagram from unknown peer", zap.String("from", key))
		return
	}
	msg, err := ice.Parse(data)
	if err != nil || msg.Type != ice.TypeBindingRequest {
		return
	}
	local, _, err := msg.SplitUsername()
	if err != nil {
		return
	}
	b, ok := e.lookupBinding(local)
	if !ok {
		e.log.Debug("connectivity check for unknown ufrag", zap.String("ufrag", local))
		return
	}
	if !ice.VerifyMessageIntegrity(data, b.creds.LocalPwd) {
		e.log.Debug("connectivity check failed integrity", zap.String("ufrag", local))
		return
	}

	ent := e.admit(b, from)
	if ent == nil {
		return
	}
	e.sessions[key] = ent
	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Set(float64(len(e.sessions)))
	ent.sess.HandleDatagram(data, from)
}

// admit creates the session for a checked peer, moving it onto a dedicated
// connected socket when one is configured.
func (e *Engine) admit(b *binding, from *net.UDPAddr) *entry {
	cfg := session.Config{
		App:           b.app,
		Stream:        b.stream,
		Creds:         b.creds,
		Cert:          e.cfg.Cert,
		Role:          dtlsconn.RoleAccept,
		Registry:      e.registry,
		NackRing:      e.cfg.NackRing,
		Post:          e.post,
		Clock:         wallClock{},
		Logger:        e.log,
		TimeoutMs:     e.cfg.SessionTimeoutMs,
		EnableFir:     e.cfg.EnableFir,
		DebugLoopback: e.cfg.DebugLoopback,
	}

	peer := &net.UDPAddr{IP: from.IP, Port: from.Port}
	var peerConn *net.UDPConn
	if e.cfg.PeerSocketAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp", e.cfg.PeerSocketAddr)
		if err != nil {
			e.log.Error("resolve peer socket addr", zap.Error(err))
			return nil
		}
		peerConn, err = net.DialUDP("udp", laddr, peer)
		if err != nil {
			e.log.Error("dial peer socket", zap.String("peer", peer.String()), zap.Error(err))
			return nil
		}
		peerConn.SetReadBuffer(socketBufBytes)
		peerConn.SetWriteBuffer(socketBufBytes)
		cfg.Role = dtlsconn.RoleConnect
		cfg.Send = func(pkt []byte) error {
			_, err := peerConn.Write(pkt)
			return err
		}
		e.log.Info("peer moved to dedicated socket",
			zap.String("peer", peer.String()),
			zap.String("local", peerConn.LocalAddr().String()))
	} else {
		cfg.Send = func(pkt []byte) error {
			_, err := e.conn.WriteToUDP(pkt, peer)
			return err
		}
	}

	sess := session.New(cfg)
	ent := &entry{sess: sess, creds: b.creds, peerConn: peerConn}
	if peerConn != nil {
		e.wg.Add(1)
		go e.readLoop(peerConn, ent)
	}
	sess.Start()
	return ent
}

func (e *Engine) tick(nowMs int64) {
	for _, ent := range e.sessions {
		ent.sess.Tick(nowMs)
	}
	for key, ent := range e.sessions {
		if !ent.sess.Closeable() {
			continue
		}
		metrics.SessionsTimedOutTotal.Inc()
		e.remove(key, ent)
	}
	metrics.ActiveSessions.Set(float64(len(e.sessions)))
	metrics.RegisteredStreams.Set(float64(e.registry.Len()))
}

func (e *Engine) remove(key string, ent *entry) {
	ent.sess.Close()
	if ent.peerConn != nil {
		ent.peerConn.Close()
	}
	e.dropBinding(ent.creds.LocalUfrag)
	delete(e.sessions, key)
	e.log.Info("session removed", zap.String("peer", key))
}

func (e *Engine) closeAll() {
	for key, ent := range e.sessions {
		e.remove(key, ent)
	}
}
