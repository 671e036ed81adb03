// Package protocol decodes the game server's line-oriented markup into
// semantic events. The markup is nominally XML but inconsistently
// escaped, and stream framing spans physical lines, so each line is
// tokenized permissively after a small amount of source-side repair.
package protocol

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hennii/dr-client/pkg/events"
)

var (
	pushStreamRe = regexp.MustCompile(`<pushStream([^>]*)/>`)
	popStreamRe  = regexp.MustCompile(`<popStream[^>]*/>`)
	styleOpenRe  = regexp.MustCompile(`<style\b`)
	pushBoldRe   = regexp.MustCompile(`(?i)<pushbold\s*/?>`)
	popBoldRe    = regexp.MustCompile(`(?i)<popbold\s*/?>`)
	boldCloseRe  = regexp.MustCompile(`(?i)</(?:pushbold|popbold)>`)
	multiSpaceRe = regexp.MustCompile(`  +`)
	punctRunRe   = regexp.MustCompile(`([.!?])([A-Z])`)
	expIDRe      = regexp.MustCompile(`(?i)^exp (.+)$`)
	roomIDRe     = regexp.MustCompile(`(?i)^room (desc|objs|players|exits)$`)
)

// Decoder turns raw protocol lines into events. Feed is called from a
// single reader goroutine; the decoder keeps parse context (open
// stream, style, bold and monospace flags) across lines and is not
// safe for concurrent use.
type Decoder struct {
	// OnEvent receives every decoded event. Must be set before Feed.
	OnEvent func(events.Event)
	// OnRawLine, if set, receives each line before any processing.
	OnRawLine func(string)

	streamOpen bool
	streamID   string
	pushBuf    strings.Builder
	textBuf    strings.Builder
	bold       bool
	mono       bool
	style      string
	leftHand   string
	rightHand  string
}

// NewDecoder creates a decoder with empty parse context.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed decodes one line from the game server. Each call corresponds to
// one newline-delimited line upstream; the decoder never buffers raw
// input across calls.
func (d *Decoder) Feed(line string) {
	if d.OnRawLine != nil {
		d.OnRawLine(line)
	}

	line = escapeBareAmps(line)
	// Self-closing pushStream opens a stream whose content arrives on
	// following lines; turn it into an opening tag so the tokenizer
	// keeps it in scope. popStream becomes its own element because an
	// orphan closing tag on a later line would be silently dropped.
	line = pushStreamRe.ReplaceAllString(line, "<pushStream$1>")
	line = popStreamRe.ReplaceAllString(line, "<popstream/>")
	// The HTML tokenizer treats <style> as a raw-text element that
	// swallows sibling text; the game's style tag is unrelated.
	line = styleOpenRe.ReplaceAllString(line, "<gamestyle")
	line = strings.ReplaceAll(line, "</style>", "</gamestyle>")

	d.parseLine(line)

	if d.streamOpen {
		// One stream event per physical line: multi-line streams such
		// as combat must not concatenate into a single blob.
		d.flushStreamLine()
	} else {
		d.flushText()
		d.emit(events.Event{Type: events.EvLineBreak})
	}
}

func (d *Decoder) parseLine(line string) {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader("<root>"+line+"</root>"), ctx)
	if err != nil {
		d.emit(events.Event{Type: events.EvText, Text: line})
		return
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode && n.Data == "root" {
			d.walkChildren(n)
			return
		}
	}
	for _, n := range nodes {
		d.walkNode(n)
	}
}

func (d *Decoder) walkChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.walkNode(c)
	}
}

func (d *Decoder) walkNode(n *html.Node) {
	if n.Type == html.TextNode {
		d.handleText(n.Data)
		return
	}
	if n.Type != html.ElementNode {
		return
	}

	switch n.Data {
	case "pushstream":
		if !d.streamOpen {
			if d.textBuf.Len() > 0 {
				d.flushText()
			}
			d.streamOpen = true
			d.streamID = attr(n, "id")
			d.pushBuf.Reset()
		}
		// A nested open while a stream is already open is transparent.
		d.walkChildren(n)

	case "streamwindow":
		// Window metadata only; content arrives via pushStream.

	case "clearstream":
		d.emit(events.Event{Type: events.EvStreamClear, ID: attr(n, "id")})
		// The paired pushStream frequently parses as a child of the
		// self-closing clearstream; keep walking so it is seen.
		d.walkChildren(n)

	case "popstream":
		d.flushStreamLine()
		d.streamOpen = false
		d.streamID = ""
		d.walkChildren(n)

	case "prompt":
		d.flushText()
		d.emit(events.Event{Type: events.EvPromptSpacer})
		t, _ := strconv.ParseInt(attr(n, "time"), 10, 64)
		d.emit(events.Event{Type: events.EvPrompt, Time: t})

	case "gamestyle":
		if d.textBuf.Len() > 0 {
			d.flushText()
		}
		if attr(n, "id") == "roomName" {
			d.style = "room_name"
		} else {
			d.style = ""
		}
		d.walkChildren(n)

	case "preset":
		style := presetStyle(attr(n, "id"))
		prev := d.style
		d.style = style
		d.walkChildren(n)
		d.flushText()
		d.style = prev

	case "dialogdata":
		if attr(n, "id") == "minivitals" {
			d.emitVitals(n)
		}

	case "progressbar":
		// Bare progress bars outside minivitals carry no state we track.

	case "compass":
		var dirs []string
		eachElement(n, "dir", func(e *html.Node) {
			if v := attr(e, "value"); v != "" {
				dirs = append(dirs, v)
			}
		})
		d.emit(events.Event{Type: events.EvCompass, Dirs: dirs})

	case "roundtime":
		t, _ := strconv.ParseInt(attr(n, "value"), 10, 64)
		d.emit(events.Event{Type: events.EvRoundtime, Time: t})
		d.walkChildren(n)

	case "casttime":
		t, _ := strconv.ParseInt(attr(n, "value"), 10, 64)
		d.emit(events.Event{Type: events.EvCasttime, Time: t})
		d.walkChildren(n)

	case "indicator":
		d.emit(events.Event{
			Type:    events.EvIndicator,
			ID:      attr(n, "id"),
			Visible: attr(n, "visible") == "y",
		})
		d.walkChildren(n)

	case "left":
		d.leftHand = strings.TrimSpace(innerText(n))
		d.emit(events.Event{Type: events.EvHands, Left: d.leftHand, Right: d.rightHand})

	case "right":
		d.rightHand = strings.TrimSpace(innerText(n))
		d.emit(events.Event{Type: events.EvHands, Left: d.leftHand, Right: d.rightHand})

	case "spell":
		d.emit(events.Event{Type: events.EvSpell, Name: strings.TrimSpace(innerText(n))})

	case "component":
		d.handleComponent(n)

	case "pushbold":
		if d.textBuf.Len() > 0 {
			d.flushText()
		}
		d.bold = true
		d.walkChildren(n)

	case "popbold":
		if d.textBuf.Len() > 0 {
			d.flushText()
		}
		d.bold = false
		d.walkChildren(n)

	case "b":
		prev := d.bold
		d.bold = true
		d.walkChildren(n)
		d.bold = prev

	case "d":
		d.walkChildren(n)

	case "output":
		d.mono = attr(n, "class") == "mono"
		d.emit(events.Event{Type: events.EvOutputMode, Mono: d.mono})
		d.walkChildren(n)

	case "app":
		if name := attr(n, "char"); name != "" {
			d.emit(events.Event{Type: events.EvCharName, Name: name})
		}
		d.walkChildren(n)

	default:
		// Unknown tags are transparent: their text still matters.
		d.walkChildren(n)
	}
}

func (d *Decoder) handleText(text string) {
	if text == "" {
		return
	}
	if d.streamOpen {
		d.pushBuf.WriteString(text)
	} else {
		d.textBuf.WriteString(text)
	}
}

func (d *Decoder) handleComponent(n *html.Node) {
	id := attr(n, "id")
	if id == "" {
		return
	}

	if m := expIDRe.FindStringSubmatch(id); m != nil {
		d.emit(events.Event{
			Type:  events.EvExp,
			Skill: strings.TrimSpace(m[1]),
			Text:  strings.TrimSpace(innerText(n)),
		})
		return
	}

	if m := roomIDRe.FindStringSubmatch(id); m != nil {
		markup := strings.TrimSpace(innerHTML(n))
		markup = pushBoldRe.ReplaceAllString(markup, "<b>")
		markup = popBoldRe.ReplaceAllString(markup, "</b>")
		markup = boldCloseRe.ReplaceAllString(markup, "")
		d.emit(events.Event{
			Type:   events.EvRoom,
			Field:  strings.ToLower(m[1]),
			Markup: markup,
		})
		return
	}

	d.emit(events.Event{Type: events.EvComponent, ID: id, Markup: strings.TrimSpace(innerText(n))})
}

func (d *Decoder) emitVitals(n *html.Node) {
	eachElement(n, "progressbar", func(bar *html.Node) {
		v, _ := strconv.Atoi(attr(bar, "value"))
		d.emit(events.Event{Type: events.EvVitals, ID: attr(bar, "id"), Value: v})
	})
}

// emit delivers an event, first flushing any buffered running text so
// ordering matches the wire.
func (d *Decoder) emit(ev events.Event) {
	if ev.Type != events.EvText && d.textBuf.Len() > 0 {
		d.flushText()
	}
	if d.OnEvent != nil {
		d.OnEvent(ev)
	}
}

func (d *Decoder) flushText() {
	if d.textBuf.Len() == 0 {
		return
	}
	text := fixSpacing(d.textBuf.String(), d.mono)
	d.textBuf.Reset()

	ev := events.Event{Type: events.EvText, Text: text, Bold: d.bold, Mono: d.mono}
	trimmed := strings.TrimSpace(text)
	switch {
	case d.style != "":
		ev.Style = d.style
	case strings.HasPrefix(trimmed, "Also here:"):
		ev.Style = "room_players"
	case strings.HasPrefix(trimmed, "You also see"):
		ev.Style = "room_objs"
	}
	if d.OnEvent != nil {
		d.OnEvent(ev)
	}
}

func (d *Decoder) flushStreamLine() {
	if d.pushBuf.Len() == 0 {
		return
	}
	text := fixSpacing(d.pushBuf.String(), false)
	d.pushBuf.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	d.emit(events.Event{Type: events.EvStream, ID: d.streamID, Text: text})
}

// fixSpacing repairs two source-side formatting defects: runs of
// spaces (kept in monospace output where columns are significant) and
// sentence punctuation immediately followed by a capital letter. Both
// fixups are idempotent.
func fixSpacing(text string, mono bool) string {
	if !mono {
		text = multiSpaceRe.ReplaceAllString(text, " ")
	}
	return punctRunRe.ReplaceAllString(text, "$1 $2")
}

func presetStyle(id string) string {
	switch id {
	case "speech":
		return "speech"
	case "thought":
		return "thought"
	case "whisper":
		return "whisper"
	case "roomDesc":
		return "room_desc"
	default:
		return id
	}
}

// escapeBareAmps escapes & characters that do not begin a numeric or
// named entity, so the tokenizer does not mangle them.
func escapeBareAmps(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			b.WriteByte(s[i])
			continue
		}
		if isEntityStart(s[i+1:]) {
			b.WriteByte('&')
			continue
		}
		b.WriteString("&amp;")
	}
	return b.String()
}

// isEntityStart reports whether rest looks like the tail of an entity:
// an optional '#' then one or more alphanumerics then ';'.
func isEntityStart(rest string) bool {
	j := 0
	if j < len(rest) && rest[j] == '#' {
		j++
	}
	start := j
	for j < len(rest) && isAlnum(rest[j]) {
		j++
	}
	return j > start && j < len(rest) && rest[j] == ';'
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// innerText concatenates all text nodes beneath n.
func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return b.String()
}

// innerHTML renders n's children back to markup.
func innerHTML(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&b, c)
	}
	return b.String()
}

func eachElement(n *html.Node, name string, fn func(*html.Node)) {
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode && c.Data == name {
			fn(c)
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
}
