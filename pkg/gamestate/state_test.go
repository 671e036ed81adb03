package gamestate

import (
	"testing"

	"github.com/hennii/dr-client/pkg/events"
)

func text(s string, mono bool) events.Event {
	return events.Event{Type: events.EvText, Text: s, Mono: mono}
}

func prompt() events.Event {
	return events.Event{Type: events.EvPrompt, Time: 1}
}

func applyAll(e *Engine, evs ...events.Event) []events.Event {
	var derived []events.Event
	for _, ev := range evs {
		derived = append(derived, e.Apply(ev)...)
	}
	return derived
}

// names walks the tree depth first and returns item names in order.
func names(items []*Item) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Name)
		out = append(out, names(it.Items)...)
	}
	return out
}

func TestDirectFieldUpserts(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		events.Event{Type: events.EvVitals, ID: "health", Value: 84},
		events.Event{Type: events.EvVitals, ID: "health", Value: 61},
		events.Event{Type: events.EvRoom, Field: "desc", Markup: "A dusty road."},
		events.Event{Type: events.EvCompass, Dirs: []string{"n", "e"}},
		events.Event{Type: events.EvHands, Left: "a longbow", Right: "Empty"},
		events.Event{Type: events.EvSpell, Name: "Hail of Stones"},
		events.Event{Type: events.EvIndicator, ID: "IconHIDDEN", Visible: true},
		events.Event{Type: events.EvCharName, Name: "Hennii"},
	)

	s := e.Snapshot()
	if s.Vitals["health"] != 61 {
		t.Errorf("vitals health = %d, want 61", s.Vitals["health"])
	}
	if s.Room["desc"] != "A dusty road." {
		t.Errorf("room desc = %q", s.Room["desc"])
	}
	if len(s.Compass) != 2 || s.Compass[0] != "n" {
		t.Errorf("compass = %v", s.Compass)
	}
	if s.Hands.Left != "a longbow" || s.Hands.Right != "Empty" {
		t.Errorf("hands = %+v", s.Hands)
	}
	if s.Spell != "Hail of Stones" {
		t.Errorf("spell = %q", s.Spell)
	}
	if !s.Indicators["IconHIDDEN"] {
		t.Error("indicator not set")
	}
	if s.CharName != "Hennii" {
		t.Errorf("char_name = %q", s.CharName)
	}
}

func TestRoomTitleFromStyledText(t *testing.T) {
	e := NewEngine()
	applyAll(e, events.Event{Type: events.EvText, Text: " [The Crossing, Hodierna Way] ", Style: "room_name"})
	if got := e.Snapshot().Room["title"]; got != "[The Crossing, Hodierna Way]" {
		t.Errorf("title = %q", got)
	}
}

func TestExpParsing(t *testing.T) {
	tests := []struct {
		text    string
		rank    int
		percent int
		state   string
	}{
		{"Light Magic:  145 23% mind lock", 145, 23, "mind lock"},
		{"Athletics:  80 2%", 80, 2, ""},
		{"unparseable", 0, 0, ""},
	}
	for _, tt := range tests {
		e := NewEngine()
		e.Apply(events.Event{Type: events.EvExp, Skill: "x", Text: tt.text})
		got := e.Snapshot().Exp["x"]
		if got.Rank != tt.rank || got.Percent != tt.percent || got.State != tt.state {
			t.Errorf("parseExp(%q) = %+v", tt.text, got)
		}
		if got.Text != tt.text {
			t.Errorf("raw text not kept: %q", got.Text)
		}
	}
}

func TestRemainingTimersClampAtZero(t *testing.T) {
	e := NewEngine()
	e.now = func() int64 { return 1000 }
	applyAll(e,
		events.Event{Type: events.EvRoundtime, Time: 1008},
		events.Event{Type: events.EvCasttime, Time: 990},
	)
	if got := e.RemainingRoundtime(); got != 8 {
		t.Errorf("roundtime remaining = %d, want 8", got)
	}
	if got := e.RemainingCasttime(); got != 0 {
		t.Errorf("casttime remaining = %d, want 0", got)
	}
}

func TestInvListRoundTrip(t *testing.T) {
	e := NewEngine()
	derived := applyAll(e,
		text("You begin rummaging through your belongings...", false),
		text("  a sturdy backpack", true),
		text("     -a leather pouch", true),
		text("        -a brass key", true),
		text("  a linen shirt", true),
		prompt(),
	)

	inv := e.Snapshot().Inventory
	got := names(inv.Worn)
	want := []string{"a sturdy backpack", "a leather pouch", "a brass key", "a linen shirt"}
	if len(got) != len(want) {
		t.Fatalf("tree names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if inv.Worn[0].Items[0].Name != "a leather pouch" {
		t.Error("pouch not nested under backpack")
	}
	if inv.Worn[0].Items[0].Items[0].Name != "a brass key" {
		t.Error("key not nested under pouch")
	}
	if inv.LastFullRefresh == 0 {
		t.Error("last_full_refresh not stamped")
	}

	var full *events.Event
	for i := range derived {
		if derived[i].Type == events.EvInventoryFull {
			full = &derived[i]
		}
	}
	if full == nil {
		t.Fatal("no inventory_full derived event")
	}
}

func TestInvListIgnoresNonMonoLines(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		text("You begin rummaging through your belongings...", false),
		text("  a sturdy backpack", true),
		text("Some chatter from another player.", false),
		prompt(),
	)
	got := names(e.Snapshot().Inventory.Worn)
	if len(got) != 1 || got[0] != "a sturdy backpack" {
		t.Errorf("non-mono line leaked into tree: %v", got)
	}
}

func TestContainerUpdatePreservesSiblings(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		text("You begin rummaging through your belongings...", false),
		text("  a sturdy backpack", true),
		text("     -a leather pouch", true),
		text("  a tanned haversack", true),
		text("     -an iron flask", true),
		prompt(),
	)

	derived := applyAll(e,
		text("Inside a sturdy backpack, you see:", false),
		text("a brass key", false),
		text("", false),
		text("[You are carrying 12 items.]", false),
		text("a wool blanket", false),
		prompt(),
	)

	inv := e.Snapshot().Inventory
	if got := names(inv.Worn[0].Items); len(got) != 2 || got[0] != "a brass key" || got[1] != "a wool blanket" {
		t.Errorf("backpack contents = %v", got)
	}
	// Sibling container untouched.
	if got := names(inv.Worn[1].Items); len(got) != 1 || got[0] != "an iron flask" {
		t.Errorf("haversack contents disturbed: %v", got)
	}

	var ctr *events.Event
	for i := range derived {
		if derived[i].Type == events.EvInventoryContainer {
			ctr = &derived[i]
		}
	}
	if ctr == nil {
		t.Fatal("no inventory_container derived event")
	}
	if ctr.Name != "sturdy backpack" {
		t.Errorf("container name = %q", ctr.Name)
	}
	if len(ctr.Items) != 2 {
		t.Errorf("container items = %v", ctr.Items)
	}
}

func TestContainerMatchStripsAnnotations(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		text("You begin rummaging through your belongings...", false),
		text("  a sturdy backpack (closed)", true),
		prompt(),
		text("Inside a sturdy backpack, you see:", false),
		text("a brass key", false),
		prompt(),
	)
	inv := e.Snapshot().Inventory
	if got := names(inv.Worn[0].Items); len(got) != 1 || got[0] != "a brass key" {
		t.Errorf("annotated container not matched: %v", got)
	}
}

func TestNothingInsideShortcut(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		text("You begin rummaging through your belongings...", false),
		text("  a leather pouch", true),
		text("     -a brass key", true),
		prompt(),
	)

	// No prompt needed; the zero-state line applies immediately.
	derived := e.Apply(text("There's nothing inside a leather pouch!", false))

	inv := e.Snapshot().Inventory
	if inv.Worn[0].Items == nil || len(inv.Worn[0].Items) != 0 {
		t.Errorf("pouch should be known empty, got %v", names(inv.Worn[0].Items))
	}
	if len(derived) != 1 || derived[0].Type != events.EvInventoryContainer {
		t.Fatalf("derived = %+v", derived)
	}
	if len(derived[0].Items) != 0 || derived[0].Items == nil {
		t.Errorf("derived items = %v", derived[0].Items)
	}
}

func TestUnknownContainerLeavesTreeUnchanged(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		text("You begin rummaging through your belongings...", false),
		text("  a sturdy backpack", true),
		prompt(),
		text("Inside a mysterious coffer, you see:", false),
		text("a pearl", false),
		prompt(),
	)
	inv := e.Snapshot().Inventory
	if inv.Worn[0].Items != nil {
		t.Errorf("backpack contents should stay unknown, got %v", names(inv.Worn[0].Items))
	}
}

func TestListStartCancelsContainerParse(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		text("Inside a sturdy backpack, you see:", false),
		text("a brass key", false),
		text("You begin rummaging through your belongings...", false),
		text("  a linen shirt", true),
	)
	derived := e.Apply(prompt())

	for _, ev := range derived {
		if ev.Type == events.EvInventoryContainer {
			t.Error("cancelled container parse still produced an event")
		}
	}
	got := names(e.Snapshot().Inventory.Worn)
	if len(got) != 1 || got[0] != "a linen shirt" {
		t.Errorf("worn = %v", got)
	}
}

func TestWornStreamRefreshKeepsContents(t *testing.T) {
	e := NewEngine()
	applyAll(e,
		text("You begin rummaging through your belongings...", false),
		text("  a sturdy backpack", true),
		text("     -a brass key", true),
		text("  a linen shirt", true),
		prompt(),
	)

	derived := applyAll(e,
		events.Event{Type: events.EvStream, ID: "inv", Text: "Your worn items are:"},
		events.Event{Type: events.EvStream, ID: "inv", Text: "a sturdy backpack"},
		events.Event{Type: events.EvStream, ID: "inv", Text: "a silver ring"},
		events.Event{Type: events.EvStreamClear, ID: "inv"},
	)

	inv := e.Snapshot().Inventory
	if len(inv.Worn) != 2 {
		t.Fatalf("worn = %v", names(inv.Worn))
	}
	if inv.Worn[0].Name != "a sturdy backpack" || len(inv.Worn[0].Items) != 1 {
		t.Errorf("backpack contents lost across refresh: %v", names(inv.Worn[0].Items))
	}
	if inv.Worn[1].Name != "a silver ring" || inv.Worn[1].Items != nil {
		t.Errorf("new item wrong: %+v", inv.Worn[1])
	}

	var worn *events.Event
	for i := range derived {
		if derived[i].Type == events.EvInventoryWorn {
			worn = &derived[i]
		}
	}
	if worn == nil {
		t.Fatal("no inventory_worn derived event")
	}
	if len(worn.Items) != 2 {
		t.Errorf("worn event items = %v", worn.Items)
	}
}

func TestActiveSpellsStream(t *testing.T) {
	e := NewEngine()
	e.Apply(events.Event{Type: events.EvStream, ID: "percWindow", Text: "Ease Burden (4 roisaen)"})
	if got := e.Snapshot().ActiveSpells; got != "Ease Burden (4 roisaen)" {
		t.Errorf("active_spells = %q", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	e := NewEngine()
	e.Apply(events.Event{Type: events.EvVitals, ID: "health", Value: 50})
	s := e.Snapshot()
	s.Vitals["health"] = 1
	s.Room["desc"] = "mutated"
	if e.Snapshot().Vitals["health"] != 50 {
		t.Error("snapshot shares vitals map with engine")
	}
	if _, ok := e.Snapshot().Room["desc"]; ok {
		t.Error("snapshot shares room map with engine")
	}
}

func TestEmptyCompassRecordedAsSeen(t *testing.T) {
	e := NewEngine()
	if e.Snapshot().Compass != nil {
		t.Fatal("compass non-nil before any compass event")
	}

	// A room with no obvious exits still reports a compass; the
	// decoder hands it over with no directions.
	applyAll(e, events.Event{Type: events.EvCompass, Dirs: nil})
	s := e.Snapshot()
	if s.Compass == nil {
		t.Fatal("empty compass stored as nil")
	}
	if len(s.Compass) != 0 {
		t.Errorf("compass = %v, want empty", s.Compass)
	}

	applyAll(e, events.Event{Type: events.EvCompass, Dirs: []string{"n"}})
	applyAll(e, events.Event{Type: events.EvCompass, Dirs: nil})
	if s := e.Snapshot(); s.Compass == nil || len(s.Compass) != 0 {
		t.Errorf("compass after exits vanished = %v, want empty", s.Compass)
	}
}

func TestConcurrentSnapshotsDuringApply(t *testing.T) {
	e := NewEngine()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			applyAll(e,
				events.Event{Type: events.EvVitals, ID: "health", Value: i},
				events.Event{Type: events.EvVitals, ID: "spirit", Value: i},
				events.Event{Type: events.EvCompass, Dirs: []string{"n", "e", "sw"}},
				events.Event{Type: events.EvRoom, Field: "desc", Markup: "A dusty road."},
			)
		}
	}()

	for alive := true; alive; {
		select {
		case <-done:
			alive = false
		default:
		}
		s := e.Snapshot()
		// Health and spirit are written back to back; a snapshot may
		// fall between the two applies but never inside one.
		h, sp := s.Vitals["health"], s.Vitals["spirit"]
		if d := h - sp; d != 0 && d != 1 {
			t.Fatalf("snapshot tore across applies: health=%d spirit=%d", h, sp)
		}
		if n := len(s.Compass); n != 0 && n != 3 {
			t.Fatalf("partial compass observed: %v", s.Compass)
		}
	}
}
