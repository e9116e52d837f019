package ice

import (
	"errors"
	"net"
	"testing"
)

func TestBindingResponseRoundTrip(t *testing.T) {
	tid := [12]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	raw := BuildBindingResponse(tid, net.IPv4(1, 2, 3, 4), 50000, "L:R", "Lpwd")

	m, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeBindingResponse {
		t.Fatalf("type = %#04x", m.Type)
	}
	if m.TransactionID != tid {
		t.Fatalf("tid = % X", m.TransactionID)
	}
	if m.Username != "L:R" {
		t.Fatalf("username = %q", m.Username)
	}

	xma, ok := m.Attr(AttrXorMappedAddress)
	if !ok {
		t.Fatal("no XOR-MAPPED-ADDRESS")
	}
	ip, port, ok := XorMappedAddress(xma)
	if !ok {
		t.Fatal("bad XOR-MAPPED-ADDRESS")
	}
	if !ip.Equal(net.IPv4(1, 2, 3, 4)) || port != 50000 {
		t.Fatalf("decoded %v:%d", ip, port)
	}

	if !VerifyMessageIntegrity(raw, "Lpwd") {
		t.Fatal("MESSAGE-INTEGRITY does not verify")
	}
	if VerifyMessageIntegrity(raw, "wrong") {
		t.Fatal("MESSAGE-INTEGRITY verifies under wrong password")
	}
	if !VerifyFingerprint(raw) {
		t.Fatal("FINGERPRINT does not verify")
	}
}

func TestBindingResponseFingerprintDetectsCorruption(t *testing.T) {
	raw := BuildBindingResponse(NewTransactionID(), net.IPv4(10, 0, 0, 1), 4242, "a:b", "pwd")
	raw[headerLen] ^= 0xFF
	if VerifyFingerprint(raw) {
		t.Fatal("corrupted message verifies")
	}
}

func TestBindingIndication(t *testing.T) {
	raw := BuildBindingIndication("Rpwd")
	m, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeBindingIndication {
		t.Fatalf("type = %#04x", m.Type)
	}
	// only MESSAGE-INTEGRITY and FINGERPRINT
	if len(m.Attributes) != 2 {
		t.Fatalf("attribute count = %d", len(m.Attributes))
	}
	if !VerifyMessageIntegrity(raw, "Rpwd") || !VerifyFingerprint(raw) {
		t.Fatal("trailers do not verify")
	}
}

func TestBindingRequest(t *testing.T) {
	raw := BuildBindingRequest("self", "peer", "peerPwd", 123)
	m, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeBindingRequest {
		t.Fatalf("type = %#04x", m.Type)
	}
	if m.Username != "peer:self" {
		t.Fatalf("username = %q", m.Username)
	}
	if _, ok := m.Attr(AttrIceControlled); !ok {
		t.Fatal("no ICE-CONTROLLED")
	}
	prio, ok := m.Attr(AttrPriority)
	if !ok {
		t.Fatal("no PRIORITY")
	}
	want := uint32(126)<<24 + uint32(0xFFFF)<<8 + 255
	got := uint32(prio[0])<<24 | uint32(prio[1])<<16 | uint32(prio[2])<<8 | uint32(prio[3])
	if got != want {
		t.Fatalf("priority = %d, want %d", got, want)
	}
	if !VerifyMessageIntegrity(raw, "peerPwd") || !VerifyFingerprint(raw) {
		t.Fatal("trailers do not verify")
	}
}

func TestSplitUsername(t *testing.T) {
	m := &Message{Username: "L:R"}
	local, remote, err := m.SplitUsername()
	if err != nil || local != "L" || remote != "R" {
		t.Fatalf("got %q %q %v", local, remote, err)
	}

	for _, bad := range []string{"", "noseparator", ":R", "L:"} {
		m.Username = bad
		if _, _, err := m.SplitUsername(); !errors.Is(err, ErrBadUsername) {
			t.Errorf("%q: err = %v", bad, err)
		}
	}
}

func TestParseTruncated(t *testing.T) {
	raw := BuildBindingResponse(NewTransactionID(), net.IPv4(1, 2, 3, 4), 1, "a:b", "p")
	if _, err := Parse(raw[:10]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("short header err = %v", err)
	}
	// cut inside the last attribute
	if _, err := Parse(raw[:len(raw)-2]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated attribute err = %v", err)
	}
}

func TestCredentialsStore(t *testing.T) {
	s := NewStore()
	c, err := NewCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if len(c.LocalUfrag) != 16 || len(c.LocalPwd) != 32 {
		t.Fatalf("ufrag %d chars, pwd %d chars", len(c.LocalUfrag), len(c.LocalPwd))
	}

	s.Put(c)
	got, ok := s.Lookup(c.LocalUfrag)
	if !ok || got != c {
		t.Fatal("lookup after put")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}

	s.Remove(c.LocalUfrag)
	if _, ok := s.Lookup(c.LocalUfrag); ok {
		t.Fatal("lookup after remove")
	}
}
