package gamestate

import (
	"regexp"
	"strings"

	"github.com/hennii/dr-client/pkg/events"
)

// Item is one node of the worn-item tree. Items distinguishes three
// states: nil means contents unknown, empty means known empty, and
// non-empty means known contents.
type Item struct {
	Name  string  `json:"name"`
	Items []*Item `json:"items"`
}

// Inventory is the snapshot's worn-item tree plus the time of the last
// full refresh.
type Inventory struct {
	Worn            []*Item `json:"worn"`
	LastFullRefresh int64   `json:"last_full_refresh"`
}

func (inv Inventory) clone() Inventory {
	return Inventory{Worn: cloneItems(inv.Worn), LastFullRefresh: inv.LastFullRefresh}
}

func cloneItems(items []*Item) []*Item {
	if items == nil {
		return nil
	}
	out := make([]*Item, len(items))
	for i, it := range items {
		out[i] = &Item{Name: it.Name, Items: cloneItems(it.Items)}
	}
	return out
}

const invListSentinel = "rummaging through your belongings"

var (
	nothingInsideRe  = regexp.MustCompile(`(?i)^There's nothing inside (?:a |an |some |the |your )?(.+?)!?\s*$`)
	insideYouSeeRe   = regexp.MustCompile(`(?i)^Inside (?:a |an |some |the )?(.+?), you see:`)
	leadingArticleRe = regexp.MustCompile(`(?i)^(a|an|some|the) `)
	parentheticalRe  = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	topItemRe        = regexp.MustCompile(`^  ([^ -].+)$`)
	subItemRe        = regexp.MustCompile(`^( +)-(.+)$`)
)

// applyInvText routes a text event through the two inventory
// accumulators. At most one accumulator runs at a time; starting
// either cancels the other.
func (e *Engine) applyInvText(ev events.Event, derived []events.Event) []events.Event {
	text := ev.Text
	trimmed := strings.TrimSpace(text)

	if strings.Contains(text, invListSentinel) {
		e.listParsing = true
		e.listLines = nil
		e.ctrParsing = false
		e.ctrName = ""
		e.ctrLines = nil
		return derived
	}

	// The empty-container report names the container itself, so it
	// needs no prior parser state and takes effect immediately.
	if m := nothingInsideRe.FindStringSubmatch(trimmed); m != nil {
		name := strings.TrimSpace(m[1])
		updateContainer(e.snap.Inventory.Worn, name, []string{})
		e.ctrParsing = false
		e.ctrName = ""
		e.ctrLines = nil
		return append(derived, events.Event{
			Type:  events.EvInventoryContainer,
			Name:  name,
			Items: []string{},
		})
	}

	if m := insideYouSeeRe.FindStringSubmatch(trimmed); m != nil {
		e.ctrParsing = true
		e.ctrName = strings.TrimSpace(m[1])
		e.ctrLines = nil
		e.listParsing = false
		e.listLines = nil
		return derived
	}

	if e.listParsing && ev.Mono {
		e.listLines = append(e.listLines, text)
		return derived
	}

	if e.ctrParsing {
		e.ctrLines = append(e.ctrLines, text)
	}
	return derived
}

// finishInvList parses the accumulated listing into a fresh worn tree.
func (e *Engine) finishInvList() events.Event {
	tree := parseInvList(e.listLines)
	e.listParsing = false
	e.listLines = nil

	e.snap.Inventory.Worn = tree
	e.snap.Inventory.LastFullRefresh = e.now()

	return events.Event{
		Type: events.EvInventoryFull,
		Data: map[string]any{
			"tree":              cloneItems(tree),
			"last_full_refresh": e.snap.Inventory.LastFullRefresh,
		},
	}
}

// finishContainer resolves the accumulated container listing against
// the worn tree. An unmatched container name leaves the tree alone;
// the derived event is still emitted so UIs can show the contents.
func (e *Engine) finishContainer() events.Event {
	name := e.ctrName
	var items []string
	for _, line := range e.ctrLines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}
		items = append(items, line)
	}
	e.ctrParsing = false
	e.ctrName = ""
	e.ctrLines = nil

	updateContainer(e.snap.Inventory.Worn, name, items)

	return events.Event{
		Type:  events.EvInventoryContainer,
		Name:  name,
		Items: append([]string{}, items...),
	}
}

// finishWornRefresh replaces the worn list with the names accumulated
// from the inv stream, keeping known container contents for items
// whose name is unchanged.
func (e *Engine) finishWornRefresh() events.Event {
	names := e.invAcc
	e.invAcc = nil

	existing := make(map[string]*Item, len(e.snap.Inventory.Worn))
	for _, it := range e.snap.Inventory.Worn {
		existing[it.Name] = it
	}
	worn := make([]*Item, 0, len(names))
	for _, name := range names {
		if it, ok := existing[name]; ok {
			worn = append(worn, it)
		} else {
			worn = append(worn, &Item{Name: name})
		}
	}
	e.snap.Inventory.Worn = worn

	return events.Event{
		Type:  events.EvInventoryWorn,
		Items: append([]string{}, names...),
	}
}

// parseInvList turns the indented `inv list` output into a tree.
// Two leading spaces and no dash is a top-level worn item; dash lines
// nest at level (leadingSpaces-2)/3 under the latest shallower item.
func parseInvList(lines []string) []*Item {
	var worn []*Item
	var stack []*Item

	for _, line := range lines {
		if m := topItemRe.FindStringSubmatch(line); m != nil {
			item := &Item{Name: strings.TrimSpace(m[1])}
			worn = append(worn, item)
			stack = stack[:0]
			stack = append(stack, item)
			continue
		}
		m := subItemRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		level := (len(m[1]) - 2) / 3
		if level < 1 || level > len(stack) {
			continue
		}
		item := &Item{Name: strings.TrimSpace(m[2])}
		parent := stack[level-1]
		parent.Items = append(parent.Items, item)
		if level < len(stack) {
			stack = stack[:level]
			stack = append(stack, item)
		} else {
			stack = append(stack, item)
		}
	}
	return worn
}

// updateContainer finds the first tree node whose normalized name
// matches and replaces its contents. Depth-first, so a worn container
// wins over one nested inside another.
func updateContainer(worn []*Item, name string, contents []string) bool {
	want := normalizeItemName(name)
	for _, item := range worn {
		if normalizeItemName(item.Name) == want {
			item.Items = make([]*Item, 0, len(contents))
			for _, n := range contents {
				item.Items = append(item.Items, &Item{Name: n})
			}
			return true
		}
		if updateContainer(item.Items, name, contents) {
			return true
		}
	}
	return false
}

// normalizeItemName strips a leading article and a trailing
// parenthetical annotation and folds case, so "a backpack (closed)"
// matches "backpack".
func normalizeItemName(name string) string {
	name = leadingArticleRe.ReplaceAllString(name, "")
	name = parentheticalRe.ReplaceAllString(name, "")
	return strings.ToLower(strings.TrimSpace(name))
}
