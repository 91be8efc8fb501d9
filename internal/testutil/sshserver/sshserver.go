// Package sshserver provides an in-process SSH server for integration testing
// of reverse tunnels. It accepts public key authentication, keeps -N
// connections open and serves tcpip-forward requests by listening on the
// requested address and opening forwarded-tcpip channels back to the client.
package sshserver

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Server is an in-process SSH server for testing.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	mu       sync.Mutex
	forwards map[string]net.Listener
}

// Options configures the test SSH server.
type Options struct {
	Username       string          // Required
	AuthorizedKeys []ssh.PublicKey // Required
	HostKey        ssh.Signer      // Generated if nil
	RejectForwards bool            // Refuse every tcpip-forward request
}

// tcpipForwardPayload is the RFC 4254 payload of tcpip-forward and
// cancel-tcpip-forward requests.
type tcpipForwardPayload struct {
	Addr string
	Port uint32
}

// forwardedTCPIPPayload is the RFC 4254 payload of forwarded-tcpip channels.
type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// New creates a test SSH server. Call Start() to begin listening.
func New(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Username == "" {
		t.Fatal("sshserver: Username is required")
	}
	if len(opts.AuthorizedKeys) == 0 {
		t.Fatal("sshserver: AuthorizedKeys is required")
	}

	return &Server{
		t:        t,
		opts:     opts,
		done:     make(chan struct{}),
		forwards: make(map[string]net.Listener),
	}
}

// Start begins listening on a random loopback port.
func (s *Server) Start() {
	s.t.Helper()

	hostKey := s.opts.HostKey
	if hostKey == nil {
		hostKey = generateED25519Key(s.t)
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != s.opts.Username {
				return nil, fmt.Errorf("unknown user %q", conn.User())
			}
			keyBytes := key.Marshal()
			for _, authorized := range s.opts.AuthorizedKeys {
				if bytes.Equal(keyBytes, authorized.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(hostKey)

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("sshserver: failed to listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and all forwards, then waits for all
// connections to finish.
func (s *Server) Stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.listener.Close()

	s.mu.Lock()
	for key, l := range s.forwards {
		l.Close()
		delete(s.forwards, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the server address as "127.0.0.1:<port>".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Forwarding reports whether a remote forward is listening on port.
func (s *Server) Forwarding(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.forwards {
		if l.Addr().(*net.TCPAddr).Port == port {
			return true
		}
	}
	return false
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.t.Logf("sshserver: accept error: %v", err)
				return
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		// Authentication failures are expected in tests
		s.t.Logf("sshserver: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	// Forwards owned by this connection
	var owned []string
	defer func() {
		s.mu.Lock()
		for _, key := range owned {
			if l, ok := s.forwards[key]; ok {
				l.Close()
				delete(s.forwards, key)
			}
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			if key := s.handleGlobalRequest(sshConn, req); key != "" {
				owned = append(owned, key)
			}
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			switch newChan.ChannelType() {
			case "session":
				s.wg.Add(1)
				go s.handleSession(newChan)
			default:
				newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			}
		}
	}
}

// handleGlobalRequest answers one global request. It returns the key of a
// forward it opened.
func (s *Server) handleGlobalRequest(conn *ssh.ServerConn, req *ssh.Request) string {
	reply := func(ok bool, payload []byte) {
		if req.WantReply {
			req.Reply(ok, payload)
		}
	}

	switch req.Type {
	case "tcpip-forward":
		if s.opts.RejectForwards {
			reply(false, nil)
			return ""
		}
		var payload tcpipForwardPayload
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			reply(false, nil)
			return ""
		}
		l, err := net.Listen("tcp", net.JoinHostPort(bindHost(payload.Addr), strconv.Itoa(int(payload.Port))))
		if err != nil {
			s.t.Logf("sshserver: remote forward %s:%d refused: %v", payload.Addr, payload.Port, err)
			reply(false, nil)
			return ""
		}
		port := uint32(l.Addr().(*net.TCPAddr).Port)
		key := forwardKey(payload.Addr, port)

		s.mu.Lock()
		s.forwards[key] = l
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveForward(conn, l, payload.Addr, port)

		// A reply carries the allocated port only when port 0 was requested
		if payload.Port == 0 {
			reply(true, ssh.Marshal(struct{ Port uint32 }{port}))
		} else {
			reply(true, nil)
		}
		return key
	case "cancel-tcpip-forward":
		var payload tcpipForwardPayload
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			reply(false, nil)
			return ""
		}
		key := forwardKey(payload.Addr, payload.Port)
		s.mu.Lock()
		l, ok := s.forwards[key]
		delete(s.forwards, key)
		s.mu.Unlock()
		if ok {
			l.Close()
		}
		reply(ok, nil)
	case "keepalive@openssh.com", "no-more-sessions@openssh.com":
		reply(true, nil)
	default:
		reply(false, nil)
	}
	return ""
}

// serveForward accepts connections on a remote forward and relays each one
// over a forwarded-tcpip channel.
func (s *Server) serveForward(conn *ssh.ServerConn, l net.Listener, addr string, port uint32) {
	defer s.wg.Done()

	for {
		client, err := l.Accept()
		if err != nil {
			return
		}
		origin := client.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(forwardedTCPIPPayload{
			Addr:       addr,
			Port:       port,
			OriginAddr: origin.IP.String(),
			OriginPort: uint32(origin.Port),
		})

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer client.Close()

			ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				s.t.Logf("sshserver: forwarded-tcpip channel refused: %v", err)
				return
			}
			defer ch.Close()
			go ssh.DiscardRequests(reqs)

			s.relay(ch, client)
		}()
	}
}

// relay copies in both directions until both sides finish or the server
// stops.
func (s *Server) relay(ch ssh.Channel, conn net.Conn) {
	var proxyWg sync.WaitGroup
	proxyWg.Add(2)

	go func() {
		defer proxyWg.Done()
		io.Copy(ch, conn)
		ch.CloseWrite()
	}()

	go func() {
		defer proxyWg.Done()
		io.Copy(conn, ch)
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
	}()

	doneCh := make(chan struct{})
	go func() {
		proxyWg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-s.done:
	}
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.t.Logf("sshserver: failed to accept session: %v", err)
		return
	}
	defer ch.Close()

	go func() {
		for req := range reqs {
			switch req.Type {
			case "env", "shell", "exec", "subsystem":
				if req.WantReply {
					req.Reply(true, nil)
				}
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	<-s.done
}

// bindHost maps the wildcard bind addresses of the ssh protocol to loopback
func bindHost(addr string) string {
	switch addr {
	case "", "*", "0.0.0.0", "localhost":
		return "127.0.0.1"
	}
	return addr
}

func forwardKey(addr string, port uint32) string {
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

func generateED25519Key(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: failed to generate ED25519 key: %v", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: failed to create signer: %v", err)
	}

	return signer
}

// ClientSigner generates an ED25519 client key for tests that dial with the
// Go ssh client.
func ClientSigner(t testing.TB) ssh.Signer {
	t.Helper()
	return generateED25519Key(t)
}
