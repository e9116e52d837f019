// Package dtlsconn drives a DTLS handshake over datagrams multiplexed with
// STUN and SRTP on one UDP 5-tuple, and exports the SRTP keying material
// once the handshake finishes.
package dtlsconn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
)

// Role selects which side of the handshake this endpoint plays.
type Role int

const (
	// RoleAccept waits for the peer's ClientHello (a=setup:actpass answer).
	RoleAccept Role = iota
	// RoleConnect initiates the handshake.
	RoleConnect
)

const (
	keyingLabel = "EXTRACTOR-dtls_srtp"
	keyLen      = 16
	saltLen     = 14
	exportLen   = 2*keyLen + 2*saltLen
)

// Keys is the per-direction SRTP keying material derived from the handshake.
type Keys struct {
	LocalKey   []byte
	LocalSalt  []byte
	RemoteKey  []byte
	RemoteSalt []byte
}

// Callbacks receive handshake and data events. They are invoked from the
// endpoint's own goroutine; implementations must hand off to the session
// loop rather than touch session state directly.
type Callbacks struct {
	// OnConnected fires once after a successful handshake.
	OnConnected func(Keys)
	// OnData fires for every application-data record (SCTP packets).
	OnData func([]byte)
	// OnError fires once if the handshake or a read fails; the session
	// should become closeable.
	OnError func(error)
}

// Endpoint owns one DTLS connection bridged to the session's UDP socket.
type Endpoint struct {
	role   Role
	bridge *packetBridge
	cfg    *dtls.Config
	peer   net.Addr
	cb     Callbacks

	mu   sync.Mutex
	conn *dtls.Conn
}

// ErrNotConnected is returned by Send before the handshake has finished.
var ErrNotConnected = errors.New("dtlsconn: handshake not finished")

// NewEndpoint creates an endpoint in the given role. Outbound records go
// through send; inbound datagrams arrive via Feed.
func NewEndpoint(role Role, cert tls.Certificate, peer net.Addr, send func([]byte), cb Callbacks) *Endpoint {
	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ClientAuth:           dtls.RequireAnyClientCert,
		InsecureSkipVerify:   true,
		LoggerFactory:        logging.NewDefaultLoggerFactory(),
	}
	return &Endpoint{
		role:   role,
		bridge: newPacketBridge(peer, send),
		cfg:    cfg,
		peer:   peer,
		cb:     cb,
	}
}

// Start runs the handshake and read loop on a new goroutine.
func (e *Endpoint) Start() {
	go e.run()
}

// Feed delivers one inbound DTLS datagram from the demultiplexer.
func (e *Endpoint) Feed(datagram []byte) {
	e.bridge.push(datagram)
}

// Send writes application data (an SCTP packet) over the connection.
func (e *Endpoint) Send(data []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("dtls write: %w", err)
	}
	return nil
}

// Close tears down the bridge, unblocking the handshake or read loop.
func (e *Endpoint) Close() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	e.bridge.Close()
}

func (e *Endpoint) run() {
	var (
		conn *dtls.Conn
		err  error
	)
	if e.role == RoleAccept {
		conn, err = dtls.Server(e.bridge, e.peer, e.cfg)
	} else {
		conn, err = dtls.Client(e.bridge, e.peer, e.cfg)
	}
	if err != nil {
		e.cb.OnError(fmt.Errorf("dtls handshake: %w", err))
		return
	}
	defer conn.Close()

	if err := conn.Handshake(); err != nil {
		e.cb.OnError(fmt.Errorf("dtls handshake: %w", err))
		return
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	state, ok := conn.ConnectionState()
	if !ok {
		e.cb.OnError(fmt.Errorf("dtls handshake: no connection state"))
		return
	}
	material, err := state.ExportKeyingMaterial(keyingLabel, nil, exportLen)
	if err != nil {
		e.cb.OnError(fmt.Errorf("export keying material: %w", err))
		return
	}
	e.cb.OnConnected(splitKeys(material, e.role))

	buf := make([]byte, 8192)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			e.cb.OnError(fmt.Errorf("dtls read: %w", err))
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		e.cb.OnData(pkt)
	}
}

// splitKeys divides the exported material into client_key || server_key ||
// client_salt || server_salt and assigns local/remote by role.
func splitKeys(material []byte, role Role) Keys {
	clientKey := material[:keyLen]
	serverKey := material[keyLen : 2*keyLen]
	clientSalt := material[2*keyLen : 2*keyLen+saltLen]
	serverSalt := material[2*keyLen+saltLen:]

	if role == RoleAccept {
		return Keys{
			LocalKey:   serverKey,
			LocalSalt:  serverSalt,
			RemoteKey:  clientKey,
			RemoteSalt: clientSalt,
		}
	}
	return Keys{
		LocalKey:   clientKey,
		LocalSalt:  clientSalt,
		RemoteKey:  serverKey,
		RemoteSalt: serverSalt,
	}
}
