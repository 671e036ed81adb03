package events

import "encoding/json"

// Type classifies events for transport-specific encoding.
type Type int

const (
	EvText         Type = iota // Styled text fragment
	EvStream                   // Line attributed to a named sub-channel
	EvStreamClear              // A sub-channel's accumulator was reset
	EvLineBreak                // Explicit line terminator for running text
	EvPromptSpacer             // Blank spacer the UI renders before a prompt
	EvPrompt                   // Turn boundary marker with timestamp
	EvVitals                   // Named gauge value
	EvRoom                     // Named room field
	EvCompass                  // Available exit directions
	EvHands                    // Left/right held items
	EvSpell                    // Prepared spell name
	EvIndicator                // Boolean status flag
	EvRoundtime                // Action timer deadline (epoch seconds)
	EvCasttime                 // Spell timer deadline (epoch seconds)
	EvExp                      // Skill experience text
	EvCharName                 // Character name announcement
	EvOutputMode               // Monospace mode on/off
	EvComponent                // Unclassified component node

	// Derived events, produced by the state engine and map matcher
	// rather than the wire decoder.
	EvInventoryWorn      // Name-only worn item refresh
	EvInventoryFull      // Full worn-item tree from `inv list`
	EvInventoryContainer // Single container contents update
	EvMapZone            // Zone changed; carries the full zone graph
	EvMapUpdate          // Node/level changed within the current zone
	EvScriptWindow       // Script-controlled window relay
)

// String returns the wire name for the event type.
func (t Type) String() string {
	switch t {
	case EvText:
		return "text"
	case EvStream:
		return "stream"
	case EvStreamClear:
		return "stream_clear"
	case EvLineBreak:
		return "line_break"
	case EvPromptSpacer:
		return "prompt_spacer"
	case EvPrompt:
		return "prompt"
	case EvVitals:
		return "vitals"
	case EvRoom:
		return "room"
	case EvCompass:
		return "compass"
	case EvHands:
		return "hands"
	case EvSpell:
		return "spell"
	case EvIndicator:
		return "indicator"
	case EvRoundtime:
		return "roundtime"
	case EvCasttime:
		return "casttime"
	case EvExp:
		return "exp"
	case EvCharName:
		return "char_name"
	case EvOutputMode:
		return "output_mode"
	case EvComponent:
		return "component"
	case EvInventoryWorn:
		return "inventory_worn"
	case EvInventoryFull:
		return "inventory_full"
	case EvInventoryContainer:
		return "inventory_container"
	case EvMapZone:
		return "map_zone"
	case EvMapUpdate:
		return "map_update"
	case EvScriptWindow:
		return "script_window"
	default:
		return "unknown"
	}
}

// Event is one decoded or derived game event. Events are immutable once
// emitted; only the fields relevant to Type are populated. The UI wire
// format is a flat JSON object keyed by the original protocol's field
// names, produced by MarshalJSON.
type Event struct {
	Type Type

	Text   string // EvText, EvStream, EvExp, EvScriptWindow
	Style  string // EvText style tag
	Bold   bool   // EvText
	Mono   bool   // EvText, EvOutputMode
	Prompt bool   // EvText flushed at a prompt boundary

	ID      string   // EvStream/EvStreamClear channel, EvVitals gauge, EvIndicator flag, EvComponent id
	Value   int      // EvVitals gauge value
	Field   string   // EvRoom field name
	Markup  string   // EvRoom/EvComponent HTML-ish value
	Dirs    []string // EvCompass
	Left    string   // EvHands
	Right   string   // EvHands
	Name    string   // EvSpell, EvCharName, EvScriptWindow window, EvInventoryContainer container
	Skill   string   // EvExp
	Visible bool     // EvIndicator
	Time    int64    // EvPrompt, EvRoundtime, EvCasttime (epoch seconds)
	Items   []string // EvInventoryWorn, EvInventoryContainer
	Action  string   // EvScriptWindow: add/remove/clear/write/notify/echo
	Title   string   // EvScriptWindow window title

	// Data carries structured payloads for EvInventoryFull, EvMapZone
	// and EvMapUpdate, already shaped for JSON.
	Data map[string]any
}

// MarshalJSON encodes the event as the flat object the browser UI
// consumes, e.g. {"type":"vitals","id":"health","value":80}.
func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": e.Type.String()}
	switch e.Type {
	case EvText:
		m["text"] = e.Text
		if e.Style != "" {
			m["style"] = e.Style
		}
		if e.Bold {
			m["bold"] = true
		}
		if e.Mono {
			m["mono"] = true
		}
		if e.Prompt {
			m["prompt"] = true
		}
	case EvStream:
		m["id"] = e.ID
		m["text"] = e.Text
	case EvStreamClear:
		m["id"] = e.ID
	case EvLineBreak, EvPromptSpacer:
		// type only
	case EvPrompt:
		m["time"] = e.Time
	case EvVitals:
		m["id"] = e.ID
		m["value"] = e.Value
	case EvRoom:
		m["field"] = e.Field
		m["value"] = e.Markup
	case EvCompass:
		m["dirs"] = stringsOrEmpty(e.Dirs)
	case EvHands:
		m["left"] = e.Left
		m["right"] = e.Right
	case EvSpell, EvCharName:
		m["name"] = e.Name
	case EvIndicator:
		m["id"] = e.ID
		m["visible"] = e.Visible
	case EvRoundtime, EvCasttime:
		m["value"] = e.Time
	case EvExp:
		m["skill"] = e.Skill
		m["text"] = e.Text
	case EvOutputMode:
		m["mono"] = e.Mono
	case EvComponent:
		m["id"] = e.ID
		m["value"] = e.Markup
	case EvInventoryWorn:
		m["items"] = stringsOrEmpty(e.Items)
	case EvInventoryContainer:
		m["container"] = e.Name
		m["items"] = stringsOrEmpty(e.Items)
	case EvScriptWindow:
		m["action"] = e.Action
		if e.Name != "" {
			m["name"] = e.Name
		}
		if e.Title != "" {
			m["title"] = e.Title
		}
		if e.Text != "" {
			m["text"] = e.Text
		}
	}
	for k, v := range e.Data {
		m[k] = v
	}
	return json.Marshal(m)
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
