// Package gamestate folds the decoded event stream into a single
// current-state snapshot. All mutation goes through Engine.Apply;
// readers get value copies, never live references.
package gamestate

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hennii/dr-client/pkg/events"
)

// Hands holds the names of the items in each hand.
type Hands struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Exp is one skill's parsed experience line.
type Exp struct {
	Text    string `json:"text"`
	Rank    int    `json:"rank"`
	Percent int    `json:"percent"`
	State   string `json:"state"`
}

// Snapshot is a point-in-time copy of the game state. Slices and maps
// are owned by the caller once returned from Engine.Snapshot.
type Snapshot struct {
	Vitals       map[string]int    `json:"vitals"`
	Room         map[string]string `json:"room"`
	Compass      []string          `json:"compass"`
	Hands        Hands             `json:"hands"`
	Spell        string            `json:"spell"`
	Indicators   map[string]bool   `json:"indicators"`
	CharName     string            `json:"char_name"`
	Roundtime    int64             `json:"roundtime"`
	Casttime     int64             `json:"casttime"`
	Exp          map[string]Exp    `json:"exp"`
	ActiveSpells string            `json:"active_spells"`
	Inventory    Inventory         `json:"inventory"`
}

var (
	expStateRe = regexp.MustCompile(`(\d+)\s+(\d+)%\s+(\S.*)$`)
	expRankRe  = regexp.MustCompile(`(\d+)\s+(\d+)%`)
)

// Engine owns the snapshot and the two inventory accumulators. Apply
// is called from the decoder goroutine; Snapshot and the read helpers
// may be called from any goroutine.
type Engine struct {
	mu   sync.Mutex
	snap Snapshot

	// Worn-name accumulator for the inv stream channel.
	invAcc []string

	listParsing bool
	listLines   []string

	ctrParsing bool
	ctrName    string
	ctrLines   []string

	now func() int64
}

// NewEngine returns an engine with an empty snapshot.
func NewEngine() *Engine {
	return &Engine{
		snap: Snapshot{
			Vitals:     map[string]int{},
			Room:       map[string]string{},
			Hands:      Hands{Left: "Empty", Right: "Empty"},
			Indicators: map[string]bool{},
			Exp:        map[string]Exp{},
		},
		now: func() int64 { return time.Now().Unix() },
	}
}

// Apply folds one event into the snapshot and returns any derived
// events to broadcast.
func (e *Engine) Apply(ev events.Event) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var derived []events.Event

	switch ev.Type {
	case events.EvVitals:
		e.snap.Vitals[ev.ID] = ev.Value

	case events.EvRoom:
		e.snap.Room[ev.Field] = ev.Markup

	case events.EvCompass:
		// Non-nil even for zero exits: an exit-less room is a seen
		// compass, which downstream matching must tell apart from a
		// compass that never arrived.
		e.snap.Compass = append([]string{}, ev.Dirs...)

	case events.EvHands:
		e.snap.Hands = Hands{Left: ev.Left, Right: ev.Right}

	case events.EvSpell:
		e.snap.Spell = ev.Name

	case events.EvIndicator:
		e.snap.Indicators[ev.ID] = ev.Visible

	case events.EvCharName:
		e.snap.CharName = ev.Name

	case events.EvRoundtime:
		e.snap.Roundtime = ev.Time

	case events.EvCasttime:
		e.snap.Casttime = ev.Time

	case events.EvExp:
		e.snap.Exp[ev.Skill] = parseExp(ev.Text)

	case events.EvText:
		if ev.Style == "room_name" {
			e.snap.Room["title"] = strings.TrimSpace(ev.Text)
		}
		derived = e.applyInvText(ev, derived)

	case events.EvStream:
		switch ev.ID {
		case "percWindow":
			e.snap.ActiveSpells = ev.Text
		case "inv":
			text := strings.TrimSpace(ev.Text)
			if text != "" && text != "Your worn items are:" {
				e.invAcc = append(e.invAcc, text)
			}
		}

	case events.EvStreamClear:
		if ev.ID == "inv" {
			derived = append(derived, e.finishWornRefresh())
		}

	case events.EvPrompt:
		if e.listParsing {
			derived = append(derived, e.finishInvList())
		}
		if e.ctrParsing {
			derived = append(derived, e.finishContainer())
		}
	}

	return derived
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone()
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Vitals = make(map[string]int, len(s.Vitals))
	for k, v := range s.Vitals {
		out.Vitals[k] = v
	}
	out.Room = make(map[string]string, len(s.Room))
	for k, v := range s.Room {
		out.Room[k] = v
	}
	out.Indicators = make(map[string]bool, len(s.Indicators))
	for k, v := range s.Indicators {
		out.Indicators[k] = v
	}
	out.Exp = make(map[string]Exp, len(s.Exp))
	for k, v := range s.Exp {
		out.Exp[k] = v
	}
	if s.Compass != nil {
		out.Compass = append([]string{}, s.Compass...)
	}
	out.Inventory = s.Inventory.clone()
	return out
}

// RemainingRoundtime returns the seconds left on the action timer,
// clamped at zero.
func (e *Engine) RemainingRoundtime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return remaining(e.snap.Roundtime, e.now())
}

// RemainingCasttime returns the seconds left on the spell timer,
// clamped at zero.
func (e *Engine) RemainingCasttime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return remaining(e.snap.Casttime, e.now())
}

func remaining(deadline, now int64) int64 {
	if deadline <= now {
		return 0
	}
	return deadline - now
}

func parseExp(text string) Exp {
	exp := Exp{Text: text}
	if m := expStateRe.FindStringSubmatch(text); m != nil {
		exp.Rank, _ = strconv.Atoi(m[1])
		exp.Percent, _ = strconv.Atoi(m[2])
		exp.State = strings.TrimSpace(m[3])
	} else if m := expRankRe.FindStringSubmatch(text); m != nil {
		exp.Rank, _ = strconv.Atoi(m[1])
		exp.Percent, _ = strconv.Atoi(m[2])
	}
	return exp
}
