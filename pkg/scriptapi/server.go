// Package scriptapi serves the automation-script RPC protocol: a local
// TCP listener taking newline-delimited requests of the form
// `VERB COMMAND?arg1&arg2` with percent-encoded args, answering each
// with a NUL-terminated string. Unknown verbs and keys return an
// empty response; nothing a script sends closes its own connection.
package scriptapi

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hennii/dr-client/pkg/events"
	"github.com/hennii/dr-client/pkg/gamestate"
)

// Server accepts script connections, one handler goroutine each.
type Server struct {
	addr    string
	state   *gamestate.Engine
	windows *windowRegistry

	// OnWindowEvent relays window mutations to UI subscribers.
	OnWindowEvent func(events.Event)
	// OnCommand injects a command into the live game session.
	OnCommand func(string)
	// OnRequest, if set, observes each dispatched verb.
	OnRequest func(verb string)

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a script API server bound to addr on Start.
func NewServer(addr string, state *gamestate.Engine) *Server {
	return &Server{
		addr:    addr,
		state:   state,
		windows: newWindowRegistry(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start listens and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("script api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Printf("[scriptapi] listening on %s", ln.Addr())
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
}

// Addr returns the bound listener address, for tests that start on
// port zero.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		n := len(s.conns)
		s.mu.Unlock()
		log.Printf("[scriptapi] client connected (%d total)", n)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		log.Printf("[scriptapi] client disconnected")
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		resp := s.dispatch(line)
		if _, err := conn.Write(append([]byte(resp), 0)); err != nil {
			return
		}
	}
}

// dispatch parses `VERB COMMAND?arg1&arg2` and routes by verb. Any
// malformed request yields an empty response.
func (s *Server) dispatch(line string) string {
	verb, rest, ok := strings.Cut(line, " ")
	if !ok {
		return ""
	}
	command, argsStr, _ := strings.Cut(rest, "?")
	var args []string
	if argsStr != "" {
		for _, raw := range strings.Split(argsStr, "&") {
			arg, err := url.QueryUnescape(raw)
			if err != nil {
				arg = raw
			}
			args = append(args, arg)
		}
	}

	verb = strings.ToUpper(verb)
	if s.OnRequest != nil {
		s.OnRequest(verb)
	}
	switch verb {
	case "CLIENT":
		return s.handleClient(command, args)
	case "GET":
		return s.handleGet(command, args)
	case "PUT":
		return s.handlePut(command, args)
	default:
		return ""
	}
}

func (s *Server) handleClient(command string, args []string) string {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch command {
	case "WINDOW_LIST":
		return strings.Join(s.windows.list(), "\n")

	case "WINDOW_ADD":
		name := arg(0)
		if name == "" {
			return "0"
		}
		title := arg(1)
		if title == "" {
			title = name
		}
		s.windows.add(name, title)
		s.fireWindow(events.Event{Type: events.EvScriptWindow, Action: "add", Name: name, Title: title})
		return "1"

	case "WINDOW_REMOVE":
		name := arg(0)
		if name == "" {
			return "0"
		}
		s.windows.remove(name)
		s.fireWindow(events.Event{Type: events.EvScriptWindow, Action: "remove", Name: name})
		return "1"

	case "WINDOW_CLEAR":
		name := arg(0)
		if name == "" || !s.windows.clear(name) {
			return "0"
		}
		s.fireWindow(events.Event{Type: events.EvScriptWindow, Action: "clear", Name: name})
		return "1"

	case "WINDOW_WRITE":
		name := arg(0)
		if name == "" || !s.windows.write(name, arg(1)) {
			return "0"
		}
		s.fireWindow(events.Event{Type: events.EvScriptWindow, Action: "write", Name: name, Text: arg(1)})
		return "1"

	case "TRAY_WRITE":
		s.fireWindow(events.Event{Type: events.EvScriptWindow, Action: "notify", Text: arg(0)})
		return "1"

	default:
		return ""
	}
}

// handleGet serves pure reads against the snapshot. Every key is
// side-effect-free; unknown keys return "".
func (s *Server) handleGet(command string, args []string) string {
	snap := s.state.Snapshot()

	switch command {
	case "CHAR_NAME":
		return snap.CharName

	case "HEALTH", "CONCENTRATION", "SPIRIT", "FATIGUE":
		return strconv.Itoa(vital(snap, strings.ToLower(command)))

	case "STANDING", "SITTING", "KNEELING", "PRONE", "STUNNED", "BLEEDING",
		"HIDDEN", "INVISIBLE", "WEBBED", "JOINED", "DEAD":
		id := "Icon" + command
		if snap.Indicators[id] {
			return "1"
		}
		return "0"

	case "WIELD_LEFT":
		return snap.Hands.Left
	case "WIELD_RIGHT":
		return snap.Hands.Right

	case "ROOM_TITLE":
		return snap.Room["title"]
	case "ROOM_DESC":
		return snap.Room["desc"]
	case "ROOM_OBJECTS":
		return snap.Room["objs"]
	case "ROOM_PLAYERS":
		return snap.Room["players"]
	case "ROOM_EXITS":
		return snap.Room["exits"]

	case "EXP_RANK":
		if len(args) == 0 {
			return ""
		}
		exp, ok := snap.Exp[args[0]]
		if !ok {
			return ""
		}
		return strconv.Itoa(exp.Rank)

	case "EXP_STATE":
		if len(args) == 0 {
			return ""
		}
		exp, ok := snap.Exp[args[0]]
		if !ok {
			return ""
		}
		return exp.State

	case "EXP_NAMES":
		names := make([]string, 0, len(snap.Exp))
		for name := range snap.Exp {
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n")

	case "ACTIVE_SPELLS":
		return snap.ActiveSpells

	case "RT":
		return strconv.FormatInt(s.state.RemainingRoundtime(), 10)
	case "CT":
		return strconv.FormatInt(s.state.RemainingCasttime(), 10)

	default:
		return ""
	}
}

func (s *Server) handlePut(command string, args []string) string {
	switch command {
	case "COMMAND":
		if len(args) == 0 || args[0] == "" {
			return "0"
		}
		if s.OnCommand != nil {
			s.OnCommand(args[0])
		}
		return "1"

	case "ECHO":
		text := ""
		if len(args) > 0 {
			text = args[0]
		}
		s.fireWindow(events.Event{Type: events.EvScriptWindow, Action: "echo", Text: text})
		return "1"

	default:
		return ""
	}
}

// vital reads a gauge, defaulting to full when the game has not
// reported it yet.
func vital(snap gamestate.Snapshot, id string) int {
	if v, ok := snap.Vitals[id]; ok {
		return v
	}
	return 100
}

func (s *Server) fireWindow(ev events.Event) {
	if s.OnWindowEvent != nil {
		s.OnWindowEvent(ev)
	}
}
