// Package server wires the gateway together: decoder, state engine,
// map matcher, broadcaster, script RPC and the web transport, plus the
// stores and metrics around them.
package server

import (
	"fmt"
	"log"
	"sync"

	"github.com/hennii/dr-client/pkg/events"
	"github.com/hennii/dr-client/pkg/gamestate"
	"github.com/hennii/dr-client/pkg/mapdb"
	"github.com/hennii/dr-client/pkg/protocol"
	"github.com/hennii/dr-client/pkg/scriptapi"
)

// Gateway owns the event pipeline. FeedLine is called from the single
// game-connection reader goroutine; everything downstream of the
// broadcaster fans out from there.
type Gateway struct {
	Decoder     *protocol.Decoder
	State       *gamestate.Engine
	Matcher     *mapdb.Matcher
	Broadcaster *events.Broadcaster
	Scripts     *scriptapi.Server
	Metrics     *Metrics

	// OnRawLine, if set, receives every raw line for logging.
	OnRawLine func(string)

	mu   sync.Mutex
	sink func(string) // outbound command writer, set once connected
}

// NewGateway builds the pipeline. matcher may be nil when the gateway
// runs without map data (tests); cmd/server treats that as fatal.
func NewGateway(cfg *Config, matcher *mapdb.Matcher, metrics *Metrics) *Gateway {
	g := &Gateway{
		Decoder:     protocol.NewDecoder(),
		State:       gamestate.NewEngine(),
		Matcher:     matcher,
		Broadcaster: events.NewBroadcaster(),
		Metrics:     metrics,
	}
	g.Decoder.OnEvent = g.handleEvent
	if metrics != nil {
		g.Broadcaster.OnFlush = func(int) { metrics.batchesFlushed.Inc() }
	}
	g.Decoder.OnRawLine = func(line string) {
		if metrics != nil {
			metrics.linesDecoded.Inc()
		}
		if g.OnRawLine != nil {
			g.OnRawLine(line)
		}
	}

	g.Scripts = scriptapi.NewServer(listenAddr(cfg.ScriptAPIPort), g.State)
	g.Scripts.OnWindowEvent = g.publish
	g.Scripts.OnCommand = g.SendCommand
	if metrics != nil {
		g.Scripts.OnRequest = func(verb string) {
			metrics.rpcRequests.WithLabelValues(verb).Inc()
		}
	}
	return g
}

func listenAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// FeedLine pushes one raw game line through the pipeline.
func (g *Gateway) FeedLine(line string) {
	g.Decoder.Feed(line)
}

// handleEvent folds a decoded event into state, runs the map matcher
// when room identity may have changed, and publishes everything in
// decode order.
func (g *Gateway) handleEvent(ev events.Event) {
	derived := g.State.Apply(ev)

	g.publish(ev)
	for _, d := range derived {
		g.publish(d)
	}

	if g.Matcher != nil && roomRelevant(ev) {
		if loc := g.Matcher.Update(g.State.Snapshot()); loc != nil {
			g.publish(*loc)
		}
	}
}

// roomRelevant reports whether an event can change the room
// fingerprint inputs.
func roomRelevant(ev events.Event) bool {
	switch ev.Type {
	case events.EvRoom, events.EvCompass:
		return true
	case events.EvText:
		return ev.Style == "room_name"
	}
	return false
}

func (g *Gateway) publish(ev events.Event) {
	if g.Metrics != nil {
		g.Metrics.eventsPublished.Inc()
	}
	g.Broadcaster.Publish(ev)
}

// SetCommandSink installs the outbound writer of the live game
// connection. Commands sent before the session is up are dropped.
func (g *Gateway) SetCommandSink(sink func(string)) {
	g.mu.Lock()
	g.sink = sink
	g.mu.Unlock()
}

// SendCommand injects a command into the game session. Safe from any
// goroutine; the sink serializes writes itself.
func (g *Gateway) SendCommand(text string) {
	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()
	if sink == nil {
		log.Printf("gateway: dropping command, no game session: %q", text)
		return
	}
	if g.Metrics != nil {
		g.Metrics.commandsSent.Inc()
	}
	sink(text)
}

// Close shuts down the pipeline.
func (g *Gateway) Close() {
	g.Scripts.Stop()
	g.Broadcaster.Close()
}
