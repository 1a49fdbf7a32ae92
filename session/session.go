// Package session runs the chat loop: record or type, submit, show the
// reply and speak it.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"ekodi/analyser"
	"ekodi/capture"
	"ekodi/client"
	"ekodi/log"
	"ekodi/playback"
	"ekodi/vad"
)

type State int

const (
	Idle State = iota
	Recording
	Uploading
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Uploading:
		return "uploading"
	}
	return "idle"
}

type StopReason int

const (
	StopManual StopReason = iota
	StopVAD
)

func (r StopReason) String() string {
	if r == StopVAD {
		return "vad"
	}
	return "manual"
}

type Reply struct {
	ConversationID string
	MessageID      string
	UserText       string
	TextFR         string
	TextBM         string
	HasAudio       bool
}

// Text is the reply in the conversation's input language.
func (r Reply) Text(lang string) string { return pick(lang, r.TextFR, r.TextBM) }

// Turn is one stored message of a resumed conversation.
type Turn struct {
	User   bool
	TextFR string
	TextBM string
}

func (t Turn) Text(lang string) string { return pick(lang, t.TextFR, t.TextBM) }

// pick prefers the text in lang and falls back to whichever exists.
func pick(lang, fr, bm string) string {
	if lang == "bm" && bm != "" {
		return bm
	}
	if fr != "" {
		return fr
	}
	return bm
}

// EventSink receives everything the display layer shows.
type EventSink interface {
	StateChanged(s State)
	RecordingStarted(tap *analyser.Tap)
	RecordingStopped(reason StopReason, duration time.Duration)
	Reply(r Reply)
	NothingHeard()
	Error(e *Error)
	ServerBusy(retryAfter time.Duration)
	// PlaybackChanged reports the message now speaking; "" and nil
	// when playback ends.
	PlaybackChanged(messageID string, tap *analyser.Tap)
}

type Recorder interface {
	Start(ctx context.Context) (*capture.Session, error)
	Stop(s *capture.Session) (*capture.Blob, error)
	Abort(s *capture.Session)
}

type Backend interface {
	Chat(ctx context.Context, text, lang, conversationID string) (*client.ChatResponse, error)
	VoiceChat(ctx context.Context, a client.Audio, lang, conversationID string) (*client.ChatResponse, error)
	Feedback(ctx context.Context, messageID string, rating int, comment string) error
	Conversation(ctx context.Context, id string) (*client.ConversationDetail, error)
	OnBusy(fn func(retryAfter time.Duration))
}

type Player interface {
	Play(p playback.Payload, messageID string) (*playback.Handle, error)
	Stop()
	Current() *playback.Handle
	Subscribe(fn func(playback.Event))
}

type Options struct {
	Lang     string
	AutoStop bool
	AutoPlay bool
	VAD      vad.Config
}

type Chat struct {
	rec    Recorder
	api    Backend
	player Player
	sink   EventSink
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	lang      string
	recording *capture.Session
	monitor   *vad.Monitor
	loading   bool
	convID    string
	last      *Reply
	lastAudio *string
	exchanges int
}

func New(rec Recorder, api Backend, player Player, sink EventSink, opts Options) *Chat {
	if opts.Lang == "" {
		opts.Lang = "fr"
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Chat{
		rec: rec, api: api, player: player, sink: sink, opts: opts,
		ctx: ctx, cancel: cancel,
		lang: opts.Lang,
	}
	api.OnBusy(sink.ServerBusy)
	player.Subscribe(c.onPlayback)
	return c
}

func (c *Chat) onPlayback(ev playback.Event) {
	if ev.Kind != playback.Started {
		if c.player.Current() == nil {
			c.sink.PlaybackChanged("", nil)
		}
		return
	}
	if h := c.player.Current(); h != nil {
		c.sink.PlaybackChanged(h.MessageID(), h.Tap())
	}
}

func (c *Chat) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Chat) stateLocked() State {
	switch {
	case c.recording != nil:
		return Recording
	case c.loading:
		return Uploading
	}
	return Idle
}

func (c *Chat) emitState() {
	c.sink.StateChanged(c.State())
}

func (c *Chat) Lang() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

func (c *Chat) SetLang(lang string) error {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang != "fr" && lang != "bm" {
		return ErrUnknownLang
	}
	c.mu.Lock()
	c.lang = lang
	c.mu.Unlock()
	return nil
}

// ToggleLang flips between French and Bambara and returns the new one.
func (c *Chat) ToggleLang() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lang == "fr" {
		c.lang = "bm"
	} else {
		c.lang = "fr"
	}
	return c.lang
}

func (c *Chat) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// NewConversation forgets the conversation id; the next submission
// starts a fresh thread on the server.
func (c *Chat) NewConversation() {
	c.mu.Lock()
	c.convID = ""
	c.last = nil
	c.lastAudio = nil
	c.mu.Unlock()
}

// Resume continues a stored conversation: later submissions thread onto
// it and its last assistant message becomes the reply that copy and
// rating act on. It returns the stored turns, oldest first. Failures
// are classified but not sent to the sink, so it can run before the
// display exists.
func (c *Chat) Resume(id string) ([]Turn, error) {
	c.mu.Lock()
	busy := c.loading || c.recording != nil
	c.mu.Unlock()
	if busy {
		return nil, ErrInFlight
	}

	conv, err := c.api.Conversation(c.ctx, id)
	if err != nil {
		log.Errorf("resume %s: %v", id, err)
		return nil, newError(err)
	}

	turns := make([]Turn, 0, len(conv.Messages))
	var last *Reply
	userText := ""
	for _, m := range conv.Messages {
		user := m.Role == "user"
		turns = append(turns, Turn{User: user, TextFR: m.TextFR, TextBM: m.TextBM})
		if user {
			userText = firstNonEmpty(m.TextFR, m.TextBM)
			continue
		}
		last = &Reply{
			ConversationID: conv.ID,
			MessageID:      m.ID,
			UserText:       userText,
			TextFR:         m.TextFR,
			TextBM:         m.TextBM,
		}
	}

	c.mu.Lock()
	c.convID = firstNonEmpty(conv.ID, id)
	c.last = last
	c.lastAudio = nil
	c.mu.Unlock()
	log.Infof("resumed conversation %s (%d messages)", c.ConversationID(), len(turns))
	return turns, nil
}

func (c *Chat) LastReply() (Reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Reply{}, false
	}
	return *c.last, true
}

// StartRecording opens the microphone. Playback keeps running.
func (c *Chat) StartRecording() error {
	c.mu.Lock()
	if c.recording != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	s, err := c.rec.Start(c.ctx)
	if err != nil {
		e := newError(err)
		log.Errorf("start recording: %v", err)
		c.sink.Error(e)
		return e
	}

	c.mu.Lock()
	stale := c.monitor
	c.recording, c.monitor = s, nil
	if c.opts.AutoStop {
		started := time.Now()
		c.monitor = vad.Start(c.opts.VAD, s.Tap(), func(silence time.Duration) {
			c.mu.Lock()
			live := c.recording == s
			c.mu.Unlock()
			if !live {
				return
			}
			log.VADStop(time.Since(started), silence)
			// finish cancels the monitor, which waits for this callback.
			go c.finish(s, StopVAD)
		})
	}
	c.mu.Unlock()
	if stale != nil {
		stale.Cancel()
	}

	c.sink.RecordingStarted(s.Tap())
	c.emitState()
	return nil
}

// StopRecording finalizes the capture and submits it. It returns after
// the reply has been delivered to the sink.
func (c *Chat) StopRecording() error {
	c.mu.Lock()
	s := c.recording
	c.mu.Unlock()
	if s == nil {
		return ErrNotRecording
	}
	return c.finish(s, StopManual)
}

// CancelRecording drops the current capture without submitting it.
func (c *Chat) CancelRecording() {
	c.mu.Lock()
	s, mon := c.recording, c.monitor
	c.recording, c.monitor = nil, nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	if mon != nil {
		mon.Cancel()
	}
	c.rec.Abort(s)
	c.emitState()
}

func (c *Chat) finish(s *capture.Session, reason StopReason) error {
	c.mu.Lock()
	if c.recording != s {
		c.mu.Unlock()
		return ErrNotRecording
	}
	mon := c.monitor
	c.recording, c.monitor = nil, nil
	busy := c.loading
	c.loading = true
	c.mu.Unlock()

	if mon != nil {
		mon.Cancel()
	}
	blob, err := c.rec.Stop(s)

	var dur time.Duration
	if blob != nil {
		dur = blob.Duration
	}
	c.sink.RecordingStopped(reason, dur)

	if busy {
		c.emitState()
		return ErrInFlight
	}
	if err != nil {
		c.setLoading(false)
		if errors.Is(err, capture.ErrCaptureTooShort) {
			log.Debug("capture too short, discarded")
			return nil
		}
		e := newError(err)
		c.sink.Error(e)
		return e
	}

	c.emitState()
	lang, convID := c.snapshot()
	resp, err := c.api.VoiceChat(c.ctx, client.Audio{
		Data: blob.Data, MIMEType: blob.MIMEType, Ext: blob.Ext, Duration: blob.Duration,
	}, lang, convID)
	return c.handle(resp, err, lang)
}

// SendText submits typed text.
func (c *Chat) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrInFlight
	}
	c.loading = true
	lang, convID := c.lang, c.convID
	c.mu.Unlock()
	c.emitState()

	resp, err := c.api.Chat(c.ctx, text, lang, convID)
	if err == nil && resp.UserText == "" {
		resp.UserText = text
	}
	return c.handle(resp, err, lang)
}

func (c *Chat) snapshot() (lang, convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang, c.convID
}

func (c *Chat) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
	c.emitState()
}

// handle delivers the outcome, then clears loading so the Idle state
// change is the last event of every submission.
func (c *Chat) handle(resp *client.ChatResponse, err error, lang string) error {
	defer c.setLoading(false)
	if err != nil {
		e := newError(err)
		log.Errorf("submission failed: %v", err)
		// Busy is reported through ServerBusy.
		if e.Kind != Busy {
			c.sink.Error(e)
		}
		return e
	}
	if !resp.Heard() {
		c.sink.NothingHeard()
		return nil
	}

	r := Reply{
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		UserText:       firstNonEmpty(resp.UserText, resp.UserTextFR),
		TextFR:         resp.AITextFR,
		TextBM:         resp.AITextBM,
		HasAudio:       resp.AudioBase64 != nil && *resp.AudioBase64 != "",
	}
	c.mu.Lock()
	if r.ConversationID != "" {
		c.convID = r.ConversationID
	}
	c.last = &r
	c.lastAudio = resp.AudioBase64
	c.exchanges++
	c.mu.Unlock()

	log.Exchange(r.ConversationID, r.UserText, r.Text(lang))
	c.sink.Reply(r)

	if r.HasAudio && c.opts.AutoPlay {
		if _, err := c.player.Play(playback.Payload{Base64: *resp.AudioBase64}, r.MessageID); err != nil {
			e := newError(err)
			log.Errorf("playback: %v", err)
			c.sink.Error(e)
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Replay speaks the last reply again; this is the manual retry after a
// blocked playback.
func (c *Chat) Replay() error {
	c.mu.Lock()
	last, audio := c.last, c.lastAudio
	c.mu.Unlock()
	if last == nil || audio == nil || *audio == "" {
		return ErrNoReply
	}
	if _, err := c.player.Play(playback.Payload{Base64: *audio}, last.MessageID); err != nil {
		e := newError(err)
		c.sink.Error(e)
		return e
	}
	return nil
}

func (c *Chat) StopPlayback() { c.player.Stop() }

// Rate sends feedback on the last reply.
func (c *Chat) Rate(rating int, comment string) error {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last == nil || last.MessageID == "" {
		return ErrNoReply
	}
	if err := c.api.Feedback(c.ctx, last.MessageID, rating, comment); err != nil {
		e := newError(err)
		if e.Kind != Busy {
			c.sink.Error(e)
		}
		return e
	}
	return nil
}

// Exchanges counts completed round trips.
func (c *Chat) Exchanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges
}

// Close releases the microphone, stops playback and cancels requests.
func (c *Chat) Close() {
	c.CancelRecording()
	c.cancel()
	c.player.Stop()
}
