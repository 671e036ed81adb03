// Package logsvc writes per-stream session logs: running game text,
// selected sub-channels, outbound commands and the raw wire. Files
// roll daily and are named for the character.
package logsvc

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hennii/dr-client/pkg/events"
)

// streamMap routes sub-channel ids to log stream names.
var streamMap = map[string]string{
	"thoughts": "thoughts",
	"combat":   "combat",
	"arrivals": "arrivals",
	"death":    "deaths",
}

// KnownStreams lists every stream a client may enable.
var KnownStreams = []string{"main", "thoughts", "combat", "arrivals", "deaths", "raw"}

// Service subscribes to the broadcaster and appends events to daily
// log files. Text fragments accumulate until a line break or prompt
// so the main log holds whole lines.
type Service struct {
	baseDir  string
	charName string
	now      func() time.Time

	mu        sync.Mutex
	enabled   map[string]bool
	files     map[string]*os.File
	fileDates map[string]string
	mainBuf   strings.Builder
	closed    bool
}

// New creates the service and its log directory. Main text and
// thoughts start enabled; everything else is opt-in.
func New(baseDir, charName string) (*Service, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir %s: %w", baseDir, err)
	}
	return &Service{
		baseDir:   baseDir,
		charName:  charName,
		now:       time.Now,
		enabled:   map[string]bool{"main": true, "thoughts": true},
		files:     make(map[string]*os.File),
		fileDates: make(map[string]string),
	}, nil
}

// Deliver implements the broadcaster subscriber.
func (s *Service) Deliver(batch []events.Event, _ []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range batch {
		switch ev.Type {
		case events.EvText:
			if s.enabled["main"] {
				s.mainBuf.WriteString(ev.Text)
			}
		case events.EvLineBreak, events.EvPrompt:
			s.flushMainLine()
		case events.EvStream:
			stream := streamMap[ev.ID]
			if stream == "" || !s.enabled[stream] {
				continue
			}
			if text := strings.TrimSpace(ev.Text); text != "" {
				s.writeLine(stream, text)
			}
		}
	}
}

// Closed implements the broadcaster subscriber.
func (s *Service) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LogCommand echoes an outbound command into the main log, flushing
// any partial line first so the echo lands between game lines.
func (s *Service) LogCommand(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled["main"] {
		return
	}
	s.flushMainLine()
	s.writeLine("main", "> "+text)
}

// LogRaw appends one undecoded wire line, untimestamped.
func (s *Service) LogRaw(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled["raw"] {
		return
	}
	f, err := s.fileFor("raw")
	if err != nil {
		log.Printf("[log] %v", err)
		return
	}
	fmt.Fprintln(f, line)
}

// Enable turns a stream's logging on.
func (s *Service) Enable(stream string) {
	s.mu.Lock()
	s.enabled[stream] = true
	s.mu.Unlock()
}

// Disable turns a stream's logging off. Its file stays open until
// the daily roll.
func (s *Service) Disable(stream string) {
	s.mu.Lock()
	delete(s.enabled, stream)
	s.mu.Unlock()
}

// Enabled reports whether a stream is being logged.
func (s *Service) Enabled(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[stream]
}

// EnabledStreams returns the enabled stream names, sorted.
func (s *Service) EnabledStreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.enabled))
	for stream := range s.enabled {
		out = append(out, stream)
	}
	sort.Strings(out)
	return out
}

// Close flushes the pending main line and closes every open file.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushMainLine()
	for _, f := range s.files {
		f.Close()
	}
	s.files = make(map[string]*os.File)
	s.fileDates = make(map[string]string)
	s.closed = true
}

func (s *Service) flushMainLine() {
	if s.mainBuf.Len() == 0 {
		return
	}
	text := strings.TrimSpace(s.mainBuf.String())
	s.mainBuf.Reset()
	if text == "" || !s.enabled["main"] {
		return
	}
	s.writeLine("main", text)
}

func (s *Service) writeLine(stream, text string) {
	f, err := s.fileFor(stream)
	if err != nil {
		log.Printf("[log] %v", err)
		return
	}
	fmt.Fprintf(f, "[%s] %s\n", s.now().Format("15:04"), text)
}

// fileFor returns the stream's file for today, rolling to a fresh
// file when the date changed since the last write.
func (s *Service) fileFor(stream string) (*os.File, error) {
	today := s.now().Format("2006-01-02")
	if s.fileDates[stream] != today {
		if f := s.files[stream]; f != nil {
			f.Close()
			delete(s.files, stream)
		}
		s.fileDates[stream] = today
	}

	if f := s.files[stream]; f != nil {
		return f, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("%s-%s-%s.log", stream, s.charName, today))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	s.files[stream] = f
	return f, nil
}
