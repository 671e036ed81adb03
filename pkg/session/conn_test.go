package session

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"
)

// fakeGame accepts one connection and exposes what arrived plus a
// writer for scripted server output.
type fakeGame struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeGame(t *testing.T) *fakeGame {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	g := &fakeGame{ln: ln, conns: make(chan net.Conn, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		g.conns <- conn
	}()
	return g
}

func (g *fakeGame) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-g.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func TestConnectSendsKeyHandshake(t *testing.T) {
	g := newFakeGame(t)

	c := &Conn{}
	if err := c.Connect(context.Background(), g.ln.Addr().String(), "sessionkey123"); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	server := g.accept(t)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(server)

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "<c>sessionkey123\r\n" {
		t.Errorf("first handshake line = %q", line)
	}
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "<c>"+feIdent+"\r\n" {
		t.Errorf("ident line = %q", line)
	}
}

func TestLinesReachCallbackStripped(t *testing.T) {
	g := newFakeGame(t)

	lines := make(chan string, 8)
	c := &Conn{OnLine: func(line string) { lines <- line }}
	if err := c.Connect(context.Background(), g.ln.Addr().String(), "k"); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	server := g.accept(t)
	server.Write([]byte("first line\r\n\r\nsecond line\n"))

	for _, want := range []string{"first line", "second line"} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("never received %q", want)
		}
	}
}

func TestSendWrapsCommand(t *testing.T) {
	g := newFakeGame(t)

	c := &Conn{}
	if err := c.Connect(context.Background(), g.ln.Addr().String(), "k"); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	server := g.accept(t)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(server)
	r.ReadString('\n') // key
	r.ReadString('\n') // ident

	c.Send("look")
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "<c>look\r\n" {
		t.Errorf("command on wire = %q", line)
	}
}

func TestRemoteCloseFiresOnClose(t *testing.T) {
	g := newFakeGame(t)

	closed := make(chan error, 1)
	c := &Conn{OnClose: func(err error) { closed <- err }}
	if err := c.Connect(context.Background(), g.ln.Addr().String(), "k"); err != nil {
		t.Fatal(err)
	}

	server := g.accept(t)
	server.Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Error("remote close reported nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
	if c.Connected() {
		t.Error("still connected after remote close")
	}

	// Send after teardown is a quiet no-op.
	c.Send("look")
}

func TestLocalCloseReportsNilError(t *testing.T) {
	g := newFakeGame(t)

	closed := make(chan error, 1)
	c := &Conn{OnClose: func(err error) { closed <- err }}
	if err := c.Connect(context.Background(), g.ln.Addr().String(), "k"); err != nil {
		t.Fatal(err)
	}
	g.accept(t)

	c.Close()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("local close reported %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}
