package socks5

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Auth policy tests
// ============================================================================

func TestAuthPolicy_SelectMethod_NoAuthConfigured(t *testing.T) {
	p := NewAuthPolicy("", "", false)
	addr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4)}

	if got := p.SelectMethod([]byte{AuthMethodNoAuth}, addr); got != AuthMethodNoAuth {
		t.Errorf("SelectMethod = %#x, want NO_AUTH", got)
	}
	if got := p.SelectMethod([]byte{AuthMethodUserPass}, addr); got != AuthMethodNoAcceptable {
		t.Errorf("SelectMethod = %#x, want NO_ACCEPTABLE when only USERNAME offered", got)
	}
}

func TestAuthPolicy_SelectMethod_RequiresUserPass(t *testing.T) {
	p := NewAuthPolicy("alice", "secret", false)
	addr := &net.TCPAddr{IP: net.IPv4(1, 2, 3, 4)}

	if got := p.SelectMethod([]byte{AuthMethodNoAuth}, addr); got != AuthMethodNoAcceptable {
		t.Errorf("SelectMethod = %#x, want NO_ACCEPTABLE when auth required and only NO_AUTH offered", got)
	}
	if got := p.SelectMethod([]byte{AuthMethodNoAuth, AuthMethodUserPass}, addr); got != AuthMethodUserPass {
		t.Errorf("SelectMethod = %#x, want USERNAME", got)
	}
}

func TestAuthPolicy_AuthOnce(t *testing.T) {
	p := NewAuthPolicy("alice", "secret", true)
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1111}
	otherPort := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2222}
	otherHost := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 1111}

	if p.isAuthedAddr(addr) {
		t.Fatal("fresh policy should have no authed addresses")
	}

	if got := p.SelectMethod([]byte{AuthMethodNoAuth, AuthMethodUserPass}, addr); got != AuthMethodUserPass {
		t.Fatalf("first connection from a new IP must require USERNAME, got %#x", got)
	}

	p.markAuthed(addr)

	if got := p.SelectMethod([]byte{AuthMethodNoAuth}, addr); got != AuthMethodNoAuth {
		t.Errorf("an address marked authed should be treated as authed, got %#x", got)
	}
	if got := p.SelectMethod([]byte{AuthMethodNoAuth}, otherPort); got != AuthMethodNoAuth {
		t.Errorf("auth-once key must ignore port, got %#x", got)
	}
	if got := p.SelectMethod([]byte{AuthMethodNoAuth}, otherHost); got != AuthMethodNoAcceptable {
		t.Errorf("a different host must still require auth, got %#x", got)
	}
}

func TestAuthPolicy_CheckCredentials(t *testing.T) {
	p := NewAuthPolicy("alice", "s3cr3t", false)

	cases := []struct {
		user, pass string
		want       bool
	}{
		{"alice", "s3cr3t", true},
		{"alice", "wrong", false},
		{"Alice", "s3cr3t", false}, // byte-exact, no case folding
		{"", "", false},
	}
	for _, c := range cases {
		if got := p.CheckCredentials(c.user, c.pass); got != c.want {
			t.Errorf("CheckCredentials(%q, %q) = %v, want %v", c.user, c.pass, got, c.want)
		}
	}
}

func TestParseCredentials(t *testing.T) {
	msg := []byte{0x01, 0x08, 't', 'e', 's', 't', 'u', 's', 'e', 'r', 0x08, 't', 'e', 's', 't', 'p', 'a', 's', 's'}
	user, pass, err := parseCredentials(msg)
	if err != nil {
		t.Fatalf("parseCredentials error: %v", err)
	}
	if user != "testuser" || pass != "testpass" {
		t.Errorf("got (%q, %q), want (testuser, testpass)", user, pass)
	}
}

func TestParseCredentials_Truncated(t *testing.T) {
	msg := []byte{0x01, 0x08, 't', 'e', 's', 't'} // declares 8-byte username, only has 4
	if _, _, err := parseCredentials(msg); err == nil {
		t.Error("expected error for truncated username")
	}
}

// ============================================================================
// Address codec tests
// ============================================================================

func TestDecodeAddress_Types(t *testing.T) {
	tests := []struct {
		name     string
		addrType byte
		addrData []byte
		port     uint16
		wantIP   string
	}{
		{"IPv4", AddrTypeIPv4, []byte{127, 0, 0, 1}, 8080, "127.0.0.1"},
		{"IPv6", AddrTypeIPv6, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, 8080, "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			buf.WriteByte(tt.addrType)
			buf.Write(tt.addrData)
			binary.Write(buf, binary.BigEndian, tt.port)

			ep, _, err := decodeAddress(buf.Bytes(), &Resolver{}, "tcp")
			if err != nil {
				t.Fatalf("decodeAddress() error = %v", err)
			}
			if ep.ip.String() != tt.wantIP {
				t.Errorf("ip = %q, want %q", ep.ip.String(), tt.wantIP)
			}
			if ep.port != tt.port {
				t.Errorf("port = %d, want %d", ep.port, tt.port)
			}
		})
	}
}

func TestDecodeAddress_UnsupportedType(t *testing.T) {
	buf := []byte{0xFF, 127, 0, 0, 1, 0x1F, 0x90}
	_, _, err := decodeAddress(buf, &Resolver{}, "tcp")
	if err == nil {
		t.Fatal("decodeAddress() should fail for unsupported address type")
	}
	if replyForAddrError(err) != ReplyAddrNotSupported {
		t.Errorf("replyForAddrError = %#x, want ADDR_NOT_SUPPORTED", replyForAddrError(err))
	}
}

func TestEncodeAddress_RoundTrip(t *testing.T) {
	v4 := encodeAddress(net.IPv4(203, 0, 113, 5), 443)
	if len(v4) != 7 {
		t.Fatalf("IPv4 encoding length = %d, want 7", len(v4))
	}
	ep, n, err := decodeAddress(v4, &Resolver{}, "tcp")
	if err != nil || n != 7 {
		t.Fatalf("decode round-trip failed: ep=%v n=%d err=%v", ep, n, err)
	}
	if !ep.ip.Equal(net.IPv4(203, 0, 113, 5)) || ep.port != 443 {
		t.Errorf("round-trip mismatch: %v:%d", ep.ip, ep.port)
	}
}

// ============================================================================
// Session tests
// ============================================================================

func TestSession_Greeting_NoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := NewHandler(NewAuthPolicy("", "", false), &Resolver{}, NewDialer(nil), nil, nil)
	go h.Handle(server)

	client.Write([]byte{socks5Version, 1, AuthMethodNoAuth})
	resp := make([]byte, 2)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if resp[0] != socks5Version || resp[1] != AuthMethodNoAuth {
		t.Errorf("method response = %v, want [05 00]", resp)
	}
}

func TestSession_Greeting_NoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := NewHandler(NewAuthPolicy("alice", "secret", false), &Resolver{}, NewDialer(nil), nil, nil)
	go h.Handle(server)

	client.Write([]byte{socks5Version, 1, AuthMethodNoAuth})
	resp := make([]byte, 2)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if resp[1] != AuthMethodNoAcceptable {
		t.Errorf("method = %#x, want NO_ACCEPTABLE", resp[1])
	}
}

func TestSession_UnsupportedAddressType(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	h := NewHandler(NewAuthPolicy("", "", false), &Resolver{}, NewDialer(nil), nil, nil)
	go h.Handle(server)

	client.Write([]byte{socks5Version, 1, AuthMethodNoAuth})
	io.ReadFull(client, make([]byte, 2))

	req := []byte{socks5Version, CmdConnect, 0x00, 0xFF, 127, 0, 0, 1, 0x1F, 0x90}
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != ReplyAddrNotSupported {
		t.Errorf("reply = %d, want %d", reply[1], ReplyAddrNotSupported)
	}
}

// ============================================================================
// Server tests
// ============================================================================

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.Address != "127.0.0.1:1080" {
		t.Errorf("Address = %q, want %q", cfg.Address, "127.0.0.1:1080")
	}
	if cfg.IdleTimeout != relayIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", cfg.IdleTimeout, relayIdleTimeout)
	}
}

func TestNewServer(t *testing.T) {
	s := NewServer(DefaultServerConfig())
	if s == nil {
		t.Fatal("NewServer() returned nil")
	}
	if s.IsRunning() {
		t.Error("new server should not be running")
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("server should be running after Start()")
	}
	if s.Address() == nil {
		t.Error("Address() should be non-nil after Start()")
	}
	if err := s.Start(); err == nil {
		t.Error("double Start() should fail")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("server should not be running after Stop()")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("double Stop() error = %v", err)
	}
}

func TestServer_ConnectionCount(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if s.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d, want 0", s.ConnectionCount())
	}
}

func TestServer_BasicConnect(t *testing.T) {
	echoListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen error: %v", err)
	}
	defer echoListener.Close()

	echoAddr := echoListener.Addr().String()
	go func() {
		for {
			conn, err := echoListener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial socks5 error: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{socks5Version, 1, AuthMethodNoAuth})
	methodResp := make([]byte, 2)
	io.ReadFull(conn, methodResp)
	if methodResp[1] != AuthMethodNoAuth {
		t.Errorf("method = %d, want %d", methodResp[1], AuthMethodNoAuth)
	}

	echoHost, echoPortStr, _ := net.SplitHostPort(echoAddr)
	echoIP := net.ParseIP(echoHost)
	echoPort, _ := net.LookupPort("tcp", echoPortStr)

	connectReq := &bytes.Buffer{}
	connectReq.WriteByte(socks5Version)
	connectReq.WriteByte(CmdConnect)
	connectReq.WriteByte(0x00)
	connectReq.WriteByte(AddrTypeIPv4)
	connectReq.Write(echoIP.To4())
	binary.Write(connectReq, binary.BigEndian, uint16(echoPort))
	conn.Write(connectReq.Bytes())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read reply error: %v", err)
	}
	if reply[1] != ReplySucceeded {
		t.Errorf("reply = %d, want %d", reply[1], ReplySucceeded)
	}

	testData := []byte("Hello, SOCKS5!")
	conn.Write(testData)
	response := make([]byte, len(testData))
	if _, err := io.ReadFull(conn, response); err != nil {
		t.Fatalf("read echo error: %v", err)
	}
	if !bytes.Equal(response, testData) {
		t.Errorf("echo response = %q, want %q", response, testData)
	}
}

func TestServer_RequiresAuth_RejectsNoAuth(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.AuthUser, cfg.AuthPass = "alice", "secret"
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{socks5Version, 1, AuthMethodNoAuth})
	resp := make([]byte, 2)
	io.ReadFull(conn, resp)
	if resp[1] != AuthMethodNoAcceptable {
		t.Errorf("method = %#x, want NO_ACCEPTABLE", resp[1])
	}
}

func TestServer_RequiresAuth_AcceptsValidCredentials(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.AuthUser, cfg.AuthPass = "alice", "secret"
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{socks5Version, 1, AuthMethodUserPass})
	resp := make([]byte, 2)
	io.ReadFull(conn, resp)
	if resp[1] != AuthMethodUserPass {
		t.Fatalf("method = %#x, want USERNAME", resp[1])
	}

	authReq := []byte{0x01, 0x05, 'a', 'l', 'i', 'c', 'e', 0x06, 's', 'e', 'c', 'r', 'e', 't'}
	conn.Write(authReq)
	authResp := make([]byte, 2)
	io.ReadFull(conn, authResp)
	if authResp[1] != AuthStatusSuccess {
		t.Errorf("auth status = %d, want success", authResp[1])
	}
}

func TestServer_StopClosesActiveConnections(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var wg sync.WaitGroup
	conns := make([]net.Conn, 0, 3)
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", s.Address().String())
		if err != nil {
			continue
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
	}
	time.Sleep(50 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Stop()
	}()
	wg.Wait()

	for _, c := range conns {
		c.Close()
	}
}
