package dtlsconn

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestSplitKeysRolesMirror(t *testing.T) {
	material := make([]byte, exportLen)
	for i := range material {
		material[i] = byte(i)
	}

	accept := splitKeys(material, RoleAccept)
	connect := splitKeys(material, RoleConnect)

	if !bytes.Equal(accept.LocalKey, connect.RemoteKey) ||
		!bytes.Equal(accept.LocalSalt, connect.RemoteSalt) ||
		!bytes.Equal(accept.RemoteKey, connect.LocalKey) ||
		!bytes.Equal(accept.RemoteSalt, connect.LocalSalt) {
		t.Fatal("roles do not mirror")
	}

	if !bytes.Equal(connect.LocalKey, material[:keyLen]) {
		t.Fatal("connect local key is not client_key")
	}
	if !bytes.Equal(connect.LocalSalt, material[2*keyLen:2*keyLen+saltLen]) {
		t.Fatal("connect local salt is not client_salt")
	}
	if len(accept.LocalKey) != keyLen || len(accept.LocalSalt) != saltLen {
		t.Fatal("key/salt lengths")
	}
}

func TestGenerateCertificate(t *testing.T) {
	cert, err := LoadCertificate("", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatal("empty certificate chain")
	}
}

func TestHandshakeAndData(t *testing.T) {
	cert, err := LoadCertificate("", "")
	if err != nil {
		t.Fatal(err)
	}
	addrA := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	addrB := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}

	type event struct {
		keys Keys
		data []byte
		err  error
	}
	chA := make(chan event, 16)
	chB := make(chan event, 16)

	var a, b *Endpoint
	a = NewEndpoint(RoleAccept, cert, addrB, func(p []byte) { b.Feed(p) }, Callbacks{
		OnConnected: func(k Keys) { chA <- event{keys: k} },
		OnData:      func(d []byte) { chA <- event{data: d} },
		OnError:     func(err error) { chA <- event{err: err} },
	})
	b = NewEndpoint(RoleConnect, cert, addrA, func(p []byte) { a.Feed(p) }, Callbacks{
		OnConnected: func(k Keys) { chB <- event{keys: k} },
		OnData:      func(d []byte) { chB <- event{data: d} },
		OnError:     func(err error) { chB <- event{err: err} },
	})
	defer a.Close()
	defer b.Close()

	a.Start()
	b.Start()

	wait := func(ch chan event) event {
		select {
		case ev := <-ch:
			if ev.err != nil {
				t.Fatal(ev.err)
			}
			return ev
		case <-time.After(10 * time.Second):
			t.Fatal("timeout")
		}
		return event{}
	}

	evA := wait(chA)
	evB := wait(chB)
	if !bytes.Equal(evA.keys.LocalKey, evB.keys.RemoteKey) {
		t.Fatal("exported keys do not mirror across the handshake")
	}

	if err := b.Send([]byte("sctp packet")); err != nil {
		t.Fatal(err)
	}
	if ev := wait(chA); string(ev.data) != "sctp packet" {
		t.Fatalf("data = %q", ev.data)
	}
}

func TestSendBeforeHandshake(t *testing.T) {
	cert, err := LoadCertificate("", "")
	if err != nil {
		t.Fatal(err)
	}
	e := NewEndpoint(RoleAccept, cert, &net.UDPAddr{}, func([]byte) {}, Callbacks{})
	defer e.Close()
	if err := e.Send([]byte("x")); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
