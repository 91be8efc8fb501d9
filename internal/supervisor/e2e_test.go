package supervisor

import (
	"context"
	"io"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cloudconnect/tunneld/internal/db"
	"github.com/cloudconnect/tunneld/internal/keys"
	"github.com/cloudconnect/tunneld/internal/testutil/sshserver"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func echoServer(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start echo server: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

// TestEndToEnd_ReverseForward runs the system ssh client against an
// in-process server and pushes bytes through the remote port.
func TestEndToEnd_ReverseForward(t *testing.T) {
	if _, err := exec.LookPath("ssh"); err != nil {
		t.Skip("ssh client not installed")
	}
	quietLogger(t)

	private, public, err := keys.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(public))
	if err != nil {
		t.Fatalf("ParseAuthorizedKey failed: %v", err)
	}

	srv := sshserver.New(t, sshserver.Options{
		Username:       "tunnel",
		AuthorizedKeys: []ssh.PublicKey{pub},
	})
	srv.Start()
	t.Cleanup(srv.Stop)

	tun := &db.Tunnel{
		ID:            "e2e",
		RemoteHost:    "127.0.0.1",
		RemoteUser:    "tunnel",
		RemotePort:    freePort(t),
		LocalPort:     echoServer(t),
		SSHPort:       srv.Port(),
		PrivateKey:    keys.Seal(private),
		AutoReconnect: false,
	}
	store := newFakeStore(tun)
	opts := testOptions(t, "ssh")
	opts.GracePeriod = 500 * time.Millisecond
	sup := New(store, opts)
	t.Cleanup(func() { sup.StopAll(context.Background()) })

	if err := sup.Start(context.Background(), tun); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 10*time.Second, "remote forward", func() bool {
		return srv.Forwarding(tun.RemotePort)
	})

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(tun.RemotePort)), 5*time.Second)
	if err != nil {
		t.Fatalf("failed to connect to remote port: %v", err)
	}
	defer conn.Close()

	testData := "hello through the reverse tunnel"
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(testData)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()
	buf, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf) != testData {
		t.Fatalf("expected %q, got %q", testData, string(buf))
	}

	if err := sup.Stop(context.Background(), "e2e", true); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitFor(t, 5*time.Second, "forward torn down", func() bool {
		return !srv.Forwarding(tun.RemotePort)
	})
	if store.snapshot("e2e").IsConnected {
		t.Error("Expected is_connected=false after stop")
	}
}

func TestEndToEnd_RejectedForwardFailsStart(t *testing.T) {
	if _, err := exec.LookPath("ssh"); err != nil {
		t.Skip("ssh client not installed")
	}
	quietLogger(t)

	private, public, err := keys.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(public))
	if err != nil {
		t.Fatalf("ParseAuthorizedKey failed: %v", err)
	}

	srv := sshserver.New(t, sshserver.Options{
		Username:       "tunnel",
		AuthorizedKeys: []ssh.PublicKey{pub},
		RejectForwards: true,
	})
	srv.Start()
	t.Cleanup(srv.Stop)

	tun := &db.Tunnel{
		ID:         "e2e-reject",
		RemoteHost: "127.0.0.1",
		RemoteUser: "tunnel",
		RemotePort: freePort(t),
		LocalPort:  echoServer(t),
		SSHPort:    srv.Port(),
		PrivateKey: keys.Seal(private),
	}
	store := newFakeStore(tun)
	opts := testOptions(t, "ssh")
	opts.GracePeriod = 5 * time.Second
	sup := New(store, opts)
	t.Cleanup(func() { sup.StopAll(context.Background()) })

	// ExitOnForwardFailure makes ssh exit inside the grace period
	err = sup.Start(context.Background(), tun)
	if err == nil {
		t.Fatal("Expected start to fail when the server refuses the forward")
	}
	if sup.Status("e2e-reject").Active {
		t.Error("Expected tunnel to be inactive")
	}
}
