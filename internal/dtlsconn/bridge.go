package dtlsconn

import (
	"net"
	"os"
	"sync"
	"time"
)

// packetBridge is an in-memory net.PacketConn that feeds the DTLS stack from
// datagrams pushed by the session loop and hands outbound records to a send
// callback. It stands in for a connected UDP socket the DTLS endpoint cannot
// own, because the same 5-tuple also carries STUN and SRTP.
type packetBridge struct {
	in   chan []byte
	send func([]byte)
	peer net.Addr

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func newPacketBridge(peer net.Addr, send func([]byte)) *packetBridge {
	return &packetBridge{
		in:     make(chan []byte, 64),
		send:   send,
		peer:   peer,
		closed: make(chan struct{}),
	}
}

// push hands one inbound DTLS datagram to the reader. Full queues drop the
// datagram; the handshake retransmits.
func (b *packetBridge) push(datagram []byte) {
	buf := make([]byte, len(datagram))
	copy(buf, datagram)
	select {
	case b.in <- buf:
	case <-b.closed:
	default:
	}
}

func (b *packetBridge) ReadFrom(p []byte) (int, net.Addr, error) {
	var timeout <-chan time.Time
	b.mu.Lock()
	if !b.deadline.IsZero() {
		d := time.Until(b.deadline)
		if d <= 0 {
			b.mu.Unlock()
			return 0, nil, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	b.mu.Unlock()

	select {
	case pkt := <-b.in:
		n := copy(p, pkt)
		return n, b.peer, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-b.closed:
		return 0, nil, net.ErrClosed
	}
}

func (b *packetBridge) WriteTo(p []byte, _ net.Addr) (int, error) {
	select {
	case <-b.closed:
		return 0, net.ErrClosed
	default:
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	b.send(buf)
	return len(p), nil
}

func (b *packetBridge) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *packetBridge) LocalAddr() net.Addr { return bridgeAddr{} }

func (b *packetBridge) SetDeadline(t time.Time) error { return b.SetReadDeadline(t) }

func (b *packetBridge) SetReadDeadline(t time.Time) error {
	b.mu.Lock()
	b.deadline = t
	b.mu.Unlock()
	return nil
}

func (b *packetBridge) SetWriteDeadline(time.Time) error { return nil }

type bridgeAddr struct{}

func (bridgeAddr) Network() string { return "dtls-bridge" }
func (bridgeAddr) String() string  { return "dtls-bridge" }
