// Package playback plays synthesized replies one at a time, each
// through its own analyser tap.
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ekodi/analyser"
	"ekodi/log"
)

var (
	ErrPlaybackBlocked = errors.New("playback blocked")
	ErrInvalidPayload  = errors.New("invalid audio payload")
)

// Payload is reply audio as the server returns it: a base64 string
// from /chat and /voice-chat, or raw bytes from /tts.
type Payload struct {
	Base64 string
	Data   []byte
}

func (p Payload) decode() ([]byte, error) {
	if len(p.Data) > 0 {
		return p.Data, nil
	}
	s := strings.TrimSpace(p.Base64)
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// Graph is one decoded sound wired source -> tap -> output.
type Graph interface {
	// Start begins output; onEnd runs once on natural end of audio.
	Start(onEnd func()) error
	// Stop ends output early and releases decode resources. onEnd is
	// not called. Idempotent.
	Stop()
	Tap() *analyser.Tap
	Duration() time.Duration
}

type Factory interface {
	New(wav []byte) (Graph, error)
}

type EventKind int

const (
	Started EventKind = iota
	Ended
	Stopped
	Replaced
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Stopped:
		return "stopped"
	case Replaced:
		return "replaced"
	}
	return "unknown"
}

type Event struct {
	Kind      EventKind
	MessageID string
}

// Handle is one playback. Once inactive it never becomes active again.
type Handle struct {
	messageID string
	graph     Graph

	mu     sync.Mutex
	active bool
}

func (h *Handle) MessageID() string { return h.messageID }

func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Handle) Tap() *analyser.Tap { return h.graph.Tap() }

func (h *Handle) Duration() time.Duration { return h.graph.Duration() }

// deactivate reports whether this call flipped the handle off.
func (h *Handle) deactivate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return false
	}
	h.active = false
	return true
}

// Controller keeps at most one Handle active.
type Controller struct {
	factory Factory

	opMu      sync.Mutex // serialises Play and Stop
	mu        sync.Mutex
	current   *Handle
	listeners []func(Event)
}

func NewController(f Factory) *Controller {
	return &Controller{factory: f}
}

// Subscribe registers fn for every transition. fn must not block.
func (c *Controller) Subscribe(fn func(Event)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Play tears down any active playback, then starts p tagged with messageID.
func (c *Controller) Play(p Payload, messageID string) (*Handle, error) {
	data, err := p.decode()
	if err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.teardown(Replaced)

	g, err := c.factory.New(data)
	if err != nil {
		return nil, err
	}
	h := &Handle{messageID: messageID, graph: g, active: true}

	c.mu.Lock()
	c.current = h
	c.mu.Unlock()

	// onEnd may run on the audio goroutine with output locked.
	if err := g.Start(func() { go c.finish(h) }); err != nil {
		c.release(h)
		return nil, fmt.Errorf("%w: %v", ErrPlaybackBlocked, err)
	}
	log.Playback("started", messageID)
	c.notify(Event{Kind: Started, MessageID: messageID})
	return h, nil
}

// Stop ends the active playback early. No-op when idle.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardown(Stopped)
}

// Current returns the active handle, or nil.
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// MessageID is the id of the message currently speaking, or "".
func (c *Controller) MessageID() string {
	if h := c.Current(); h != nil {
		return h.messageID
	}
	return ""
}

func (c *Controller) teardown(kind EventKind) {
	c.mu.Lock()
	h := c.current
	c.mu.Unlock()
	if h == nil || !c.release(h) {
		return
	}
	log.Playback(kind.String(), h.messageID)
	c.notify(Event{Kind: kind, MessageID: h.messageID})
}

func (c *Controller) finish(h *Handle) {
	if !c.release(h) {
		return
	}
	log.Playback("ended", h.messageID)
	c.notify(Event{Kind: Ended, MessageID: h.messageID})
}

// release deactivates h, stops its graph and clears it as current.
func (c *Controller) release(h *Handle) bool {
	if !h.deactivate() {
		return false
	}
	h.graph.Stop()
	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()
	return true
}

func (c *Controller) notify(ev Event) {
	c.mu.Lock()
	ls := append([]func(Event){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}
