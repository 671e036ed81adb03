package mapdb

import (
	"crypto/md5"
	"encoding/hex"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/hennii/dr-client/pkg/events"
	"github.com/hennii/dr-client/pkg/gamestate"
)

var htmlEscaper = strings.NewReplacer(
	`"`, "&quot;",
	"'", "&apos;",
	"<", "&lt;",
	">", "&gt;",
)

// Matcher resolves live room state to a map node. The zone graph and
// fingerprint index are immutable after New; the tracked location is
// behind a lock because Update runs on the decoder goroutine while
// CurrentState serves new subscribers.
type Matcher struct {
	zones map[string]*Zone
	index map[string]location

	mu      sync.Mutex
	tracked bool
	cur     location
}

// New loads every zone file under dir and builds the fingerprint
// index. Errors are fatal to the caller; a partial graph is worse
// than none.
func New(dir string) (*Matcher, error) {
	zones, index, err := loadDir(dir)
	if err != nil {
		return nil, err
	}
	log.Printf("[map] loaded %d zones, %d room fingerprints", len(zones), len(index))
	return &Matcher{zones: zones, index: index}, nil
}

// Update matches the snapshot's room against the index and returns a
// location event when the answer changed, or nil. A zone change
// returns the full zone graph; a move within the zone returns only the
// node and level. No match means the player may be somewhere unmapped
// and the tracked location is left alone.
func (m *Matcher) Update(snap gamestate.Snapshot) *events.Event {
	title, okTitle := snap.Room["title"]
	desc, okDesc := snap.Room["desc"]
	if !okTitle || !okDesc || snap.Compass == nil {
		return nil
	}

	fp := Fingerprint(titlePrefix(title), desc, snap.Compass)
	loc, ok := m.index[fp]
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tracked || loc.ZoneID != m.cur.ZoneID {
		m.tracked = true
		m.cur = loc
		return &events.Event{Type: events.EvMapZone, Data: m.zoneData(loc)}
	}
	if loc.NodeID != m.cur.NodeID || loc.Level != m.cur.Level {
		m.cur = loc
		return &events.Event{Type: events.EvMapUpdate, Data: map[string]any{
			"current_node": loc.NodeID,
			"level":        loc.Level,
		}}
	}
	return nil
}

// CurrentState returns a full map_zone event for the tracked location,
// or nil when no room has matched yet. Sent to newly-joined
// subscribers so they do not wait for the next room change.
func (m *Matcher) CurrentState() *events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tracked {
		return nil
	}
	return &events.Event{Type: events.EvMapZone, Data: m.zoneData(m.cur)}
}

// Zone returns the loaded zone by id, or nil.
func (m *Matcher) Zone(id string) *Zone {
	return m.zones[id]
}

func (m *Matcher) zoneData(loc location) map[string]any {
	return map[string]any{
		"zone":         m.zones[loc.ZoneID],
		"current_node": loc.NodeID,
		"level":        loc.Level,
	}
}

// Fingerprint hashes a room's identity: bracketed title prefix,
// escaped description, and the exit codes sorted so reporting order
// does not matter.
func Fingerprint(title, desc string, exits []string) string {
	sorted := append([]string(nil), exits...)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(title + htmlEscaper.Replace(desc) + strings.Join(sorted, "")))
	return hex.EncodeToString(sum[:])
}

// titlePrefix cuts the room title down to its bracketed prefix,
// "[The Crossing, Hodierna Way] (lich)" -> "[The Crossing, Hodierna Way]".
func titlePrefix(title string) string {
	if idx := strings.Index(title, "]"); idx >= 0 {
		return title[:idx+1]
	}
	return title
}
