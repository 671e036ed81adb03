package session

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
)

// feIdent is the front-end identification string the game expects
// right after the session key. It puts the server in XML mode.
const feIdent = "/FE:STORMFRONT /VERSION:1.0.1.26 /P:WIN_UNKNOWN /XML"

// Conn is the live TCP session to the game server, or to a Lich
// proxy standing in for it. Lines read off the socket go to OnLine on
// a single reader goroutine; Send is safe from any goroutine.
type Conn struct {
	// OnLine receives each non-empty line with the terminator
	// stripped. Set before Connect.
	OnLine func(string)
	// OnClose, if set, fires once when the read loop ends. A nil
	// error means Close was called locally.
	OnClose func(error)

	mu     sync.Mutex
	sock   net.Conn
	closed bool
}

// Connect dials addr, performs the key handshake and starts the read
// loop.
func (c *Conn) Connect(ctx context.Context, addr, key string) error {
	log.Printf("[game] connecting to %s", addr)

	var d net.Dialer
	sock, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to game at %s: %w", addr, err)
	}
	if tcp, ok := sock.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}

	if _, err := fmt.Fprintf(sock, "<c>%s\r\n<c>%s\r\n", key, feIdent); err != nil {
		sock.Close()
		return fmt.Errorf("sending session key: %w", err)
	}

	c.mu.Lock()
	c.sock = sock
	c.closed = false
	c.mu.Unlock()
	log.Printf("[game] connected")

	go c.readLoop(sock)
	return nil
}

func (c *Conn) readLoop(sock net.Conn) {
	r := bufio.NewReaderSize(sock, 64*1024)
	var readErr error
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" && c.OnLine != nil {
			c.OnLine(line)
		}
		if err != nil {
			readErr = err
			break
		}
	}

	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	sock.Close()

	if wasClosed {
		readErr = nil
	} else {
		log.Printf("[game] disconnected: %v", readErr)
	}
	if c.OnClose != nil {
		c.OnClose(readErr)
	}
}

// Send writes one command to the game. Dropped silently when the
// session is down; the caller's UI learns that from OnClose.
func (c *Conn) Send(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sock == nil {
		return
	}
	if _, err := fmt.Fprintf(c.sock, "<c>%s\r\n", cmd); err != nil {
		log.Printf("[game] write error: %v", err)
	}
}

// Connected reports whether the session is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil && !c.closed
}

// Close tears the session down. The read loop observes the closed
// socket and finishes.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sock != nil {
		c.sock.Close()
	}
}
