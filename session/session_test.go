package session

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"ekodi/analyser"
	"ekodi/audio"
	"ekodi/capture"
	"ekodi/client"
	"ekodi/playback"
	"ekodi/vad"
)

type sinkEvent struct {
	name string
	arg  any
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
	notify chan string
}

func newSink() *recordingSink {
	return &recordingSink{notify: make(chan string, 64)}
}

func (s *recordingSink) add(name string, arg any) {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{name, arg})
	s.mu.Unlock()
	select {
	case s.notify <- name:
	default:
	}
}

func (s *recordingSink) StateChanged(st State)                          { s.add("state", st) }
func (s *recordingSink) RecordingStarted(*analyser.Tap)                 { s.add("rec_start", nil) }
func (s *recordingSink) RecordingStopped(r StopReason, _ time.Duration) { s.add("rec_stop", r) }
func (s *recordingSink) Reply(r Reply)                                  { s.add("reply", r) }
func (s *recordingSink) NothingHeard()                                  { s.add("nothing", nil) }
func (s *recordingSink) Error(e *Error)                                 { s.add("error", e) }
func (s *recordingSink) ServerBusy(d time.Duration)                     { s.add("busy", d) }
func (s *recordingSink) PlaybackChanged(id string, _ *analyser.Tap)     { s.add("playback", id) }

func (s *recordingSink) find(name string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, e := range s.events {
		if e.name == name {
			out = append(out, e.arg)
		}
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, name string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		if len(s.find(name)) > 0 {
			return
		}
		select {
		case <-s.notify:
		case <-time.After(10 * time.Millisecond):
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

type fakeBackend struct {
	mu     sync.Mutex
	calls  []string
	langs  []string
	convs  []string
	audio  []client.Audio
	resp   *client.ChatResponse
	err    error
	gate   chan struct{}
	busyFn []func(time.Duration)
	rated  []int
	stored *client.ConversationDetail
}

func (b *fakeBackend) record(kind, lang, conv string) (*client.ChatResponse, error) {
	b.mu.Lock()
	b.calls = append(b.calls, kind)
	b.langs = append(b.langs, lang)
	b.convs = append(b.convs, conv)
	gate, resp, err := b.gate, b.resp, b.err
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		var busy *client.BusyError
		if errors.As(err, &busy) {
			for _, fn := range b.busyFn {
				fn(busy.RetryAfter)
			}
		}
		return nil, err
	}
	cp := *resp
	return &cp, nil
}

func (b *fakeBackend) Chat(_ context.Context, text, lang, conv string) (*client.ChatResponse, error) {
	return b.record("chat", lang, conv)
}

func (b *fakeBackend) VoiceChat(_ context.Context, a client.Audio, lang, conv string) (*client.ChatResponse, error) {
	b.mu.Lock()
	b.audio = append(b.audio, a)
	b.mu.Unlock()
	return b.record("voice", lang, conv)
}

func (b *fakeBackend) Feedback(_ context.Context, id string, rating int, _ string) error {
	b.mu.Lock()
	b.rated = append(b.rated, rating)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Conversation(_ context.Context, id string) (*client.ConversationDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "conversation:"+id)
	if b.stored == nil {
		return nil, &client.ServerError{Status: 404, Detail: "Conversation not found"}
	}
	return b.stored, nil
}

func (b *fakeBackend) OnBusy(fn func(time.Duration)) { b.busyFn = append(b.busyFn, fn) }

type nopGraph struct{ tap *analyser.Tap }

func (g *nopGraph) Start(func()) error      { return nil }
func (g *nopGraph) Stop()                   { g.tap.Close() }
func (g *nopGraph) Tap() *analyser.Tap      { return g.tap }
func (g *nopGraph) Duration() time.Duration { return time.Second }

type nopFactory struct{ err error }

func (f nopFactory) New([]byte) (playback.Graph, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &nopGraph{tap: analyser.New(analyser.DefaultConfig())}, nil
}

func tone(ms int) []byte {
	n := audio.SampleRate * ms / 1000
	buf := make([]byte, n*2)
	for i := range n {
		s := int16(0.5 * 32767 * math.Sin(2*math.Pi*300*float64(i)/audio.SampleRate))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

var wavB64 = base64.StdEncoding.EncodeToString([]byte("RIFF0000WAVE"))

func reply(conv, msg string) *client.ChatResponse {
	return &client.ChatResponse{
		ConversationID: conv, MessageID: msg,
		UserText: "i ni ce", AITextFR: "Bonjour", AITextBM: "I ni ce",
		AudioBase64: &wavB64,
	}
}

type harness struct {
	chat   *Chat
	sink   *recordingSink
	api    *fakeBackend
	actx   *audio.FakeContext
	player *playback.Controller
}

func newHarness(pcm []byte, realtime bool, opts Options) *harness {
	actx := audio.NewFakeContextPCM(pcm, realtime)
	rec := capture.NewRecorder(actx, capture.Options{Formats: []string{"wav"}})
	api := &fakeBackend{resp: reply("c1", "m1")}
	player := playback.NewController(nopFactory{})
	sink := newSink()
	return &harness{
		chat: New(rec, api, player, sink, opts),
		sink: sink, api: api, actx: actx, player: player,
	}
}

func TestVoiceRoundTrip(t *testing.T) {
	h := newHarness(tone(1000), false, Options{Lang: "bm", AutoPlay: true})

	if err := h.chat.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if h.chat.State() != Recording {
		t.Fatalf("state = %v", h.chat.State())
	}
	if err := h.chat.StopRecording(); err != nil {
		t.Fatal(err)
	}

	if h.chat.State() != Idle {
		t.Errorf("state after reply = %v", h.chat.State())
	}
	if len(h.api.audio) != 1 || h.api.audio[0].MIMEType != "audio/wav" || h.api.langs[0] != "bm" {
		t.Fatalf("backend saw %+v langs=%v", h.api.audio, h.api.langs)
	}
	if h.api.convs[0] != "" {
		t.Errorf("first submission conversation = %q", h.api.convs[0])
	}
	replies := h.sink.find("reply")
	if len(replies) != 1 || replies[0].(Reply).MessageID != "m1" {
		t.Fatalf("replies = %v", replies)
	}
	if h.player.MessageID() != "m1" {
		t.Errorf("playing %q, want m1", h.player.MessageID())
	}
	if ids := h.sink.find("playback"); len(ids) == 0 || ids[0] != "m1" {
		t.Errorf("playback events = %v", ids)
	}
	if h.actx.Open() != 0 {
		t.Error("microphone left open")
	}

	// conversation id threads into the next submission
	if err := h.chat.SendText("a ka di"); err != nil {
		t.Fatal(err)
	}
	if h.api.convs[1] != "c1" {
		t.Errorf("second submission conversation = %q, want c1", h.api.convs[1])
	}
	if h.chat.Exchanges() != 2 {
		t.Errorf("exchanges = %d", h.chat.Exchanges())
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	h := newHarness(nil, false, Options{})
	h.api.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.chat.SendText("first") }()

	deadline := time.Now().Add(2 * time.Second)
	for h.chat.State() != Uploading {
		if time.Now().After(deadline) {
			t.Fatal("never entered uploading")
		}
		time.Sleep(time.Millisecond)
	}
	if err := h.chat.SendText("second"); !errors.Is(err, ErrInFlight) {
		t.Errorf("second SendText = %v, want ErrInFlight", err)
	}
	close(h.api.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(h.api.calls) != 1 {
		t.Errorf("backend calls = %v", h.api.calls)
	}
}

func TestShortCaptureIsSilent(t *testing.T) {
	h := newHarness(tone(20), false, Options{})
	h.chat.StartRecording()
	if err := h.chat.StopRecording(); err != nil {
		t.Fatalf("StopRecording = %v", err)
	}
	if len(h.sink.find("error")) != 0 || len(h.api.calls) != 0 {
		t.Errorf("errors = %v calls = %v", h.sink.find("error"), h.api.calls)
	}
	if h.chat.State() != Idle {
		t.Errorf("state = %v", h.chat.State())
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(nil, false, Options{})
	h.actx.FailWith(audio.ErrPermissionDenied)

	err := h.chat.StartRecording()
	var e *Error
	if !errors.As(err, &e) || e.Kind != PermissionDenied {
		t.Fatalf("got %v", err)
	}
	if errs := h.sink.find("error"); len(errs) != 1 {
		t.Errorf("sink errors = %v", errs)
	}
	if h.chat.State() != Idle {
		t.Errorf("state = %v", h.chat.State())
	}
}

func TestServerBusyGoesToBanner(t *testing.T) {
	h := newHarness(nil, false, Options{})
	h.api.err = &client.BusyError{Status: 503, RetryAfter: 10 * time.Second}

	err := h.chat.SendText("allo")
	var e *Error
	if !errors.As(err, &e) || e.Kind != Busy || e.RetryAfter != 10*time.Second {
		t.Fatalf("got %v", err)
	}
	if busy := h.sink.find("busy"); len(busy) != 1 || busy[0] != 10*time.Second {
		t.Errorf("busy events = %v", busy)
	}
	if len(h.sink.find("error")) != 0 {
		t.Error("busy also reported as an error")
	}
}

func TestServerErrorDetail(t *testing.T) {
	h := newHarness(nil, false, Options{})
	h.api.err = &client.ServerError{Status: 401, Detail: "Invalid token"}

	h.chat.SendText("allo")
	errs := h.sink.find("error")
	if len(errs) != 1 {
		t.Fatalf("errors = %v", errs)
	}
	e := errs[0].(*Error)
	if e.Kind != Server || e.Error() != "Invalid token" {
		t.Errorf("error = %v (%v)", e, e.Kind)
	}
	if h.chat.State() != Idle {
		t.Error("loading not cleared after failure")
	}
}

func TestNothingHeard(t *testing.T) {
	h := newHarness(nil, false, Options{})
	h.api.resp = &client.ChatResponse{InputLang: "fr"}
	h.chat.SendText("...")
	if len(h.sink.find("nothing")) != 1 || len(h.sink.find("reply")) != 0 {
		t.Error("empty transcription not reported as nothing heard")
	}
}

func TestPlaybackBlockedThenReplay(t *testing.T) {
	actx := audio.NewFakeContextPCM(nil, false)
	rec := capture.NewRecorder(actx, capture.Options{})
	api := &fakeBackend{resp: reply("c1", "m1")}
	sink := newSink()
	chat := New(rec, api, playback.NewController(nopFactory{err: playback.ErrPlaybackBlocked}), sink, Options{AutoPlay: true})

	if err := chat.SendText("allo"); err != nil {
		t.Fatal(err)
	}
	errs := sink.find("error")
	if len(errs) != 1 || errs[0].(*Error).Kind != PlaybackBlocked {
		t.Fatalf("errors = %v", errs)
	}
	if len(sink.find("reply")) != 1 {
		t.Error("reply lost because playback failed")
	}
	if err := chat.Replay(); Classify(err) != PlaybackBlocked {
		t.Errorf("Replay = %v", err)
	}
}

func TestVADStopsRecording(t *testing.T) {
	silence := make([]byte, 64)
	h := newHarness(silence, true, Options{
		AutoStop: true,
		VAD: vad.Config{
			Threshold:    12,
			Silence:      250 * time.Millisecond,
			MinElapsed:   50 * time.Millisecond,
			PollInterval: 10 * time.Millisecond,
		},
	})
	if err := h.chat.StartRecording(); err != nil {
		t.Fatal(err)
	}
	h.sink.waitFor(t, "reply")

	stops := h.sink.find("rec_stop")
	if len(stops) != 1 || stops[0] != StopVAD {
		t.Fatalf("stops = %v", stops)
	}
	if err := h.chat.StopRecording(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("manual stop after VAD = %v", err)
	}
	if h.actx.Open() != 0 {
		t.Error("microphone left open after VAD stop")
	}
}

func TestManualStopCancelsVAD(t *testing.T) {
	h := newHarness(tone(500), true, Options{
		AutoStop: true,
		VAD: vad.Config{
			Threshold:    12,
			Silence:      30 * time.Millisecond,
			MinElapsed:   300 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
	})
	h.chat.StartRecording()
	time.Sleep(200 * time.Millisecond)
	if err := h.chat.StopRecording(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)

	stops := h.sink.find("rec_stop")
	if len(stops) != 1 || stops[0] != StopManual {
		t.Errorf("stops = %v", stops)
	}
	if len(h.api.calls) != 1 {
		t.Errorf("calls = %v", h.api.calls)
	}
}

func TestRateAndLang(t *testing.T) {
	h := newHarness(nil, false, Options{})
	if err := h.chat.Rate(1, ""); !errors.Is(err, ErrNoReply) {
		t.Errorf("Rate before reply = %v", err)
	}
	h.chat.SendText("allo")
	if err := h.chat.Rate(-1, "bad"); err != nil {
		t.Fatal(err)
	}
	if len(h.api.rated) != 1 || h.api.rated[0] != -1 {
		t.Errorf("rated = %v", h.api.rated)
	}

	if err := h.chat.SetLang("en"); !errors.Is(err, ErrUnknownLang) {
		t.Errorf("SetLang(en) = %v", err)
	}
	if h.chat.ToggleLang() != "bm" || h.chat.Lang() != "bm" {
		t.Error("toggle did not switch to bm")
	}
	h.chat.NewConversation()
	if h.chat.ConversationID() != "" {
		t.Error("conversation id survived NewConversation")
	}
}

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want Kind
	}{
		{audio.ErrPermissionDenied, PermissionDenied},
		{audio.ErrDeviceUnavailable, DeviceUnavailable},
		{capture.ErrCaptureTooShort, CaptureTooShort},
		{playback.ErrPlaybackBlocked, PlaybackBlocked},
		{client.ErrNetwork, Network},
		{&client.ServerError{Status: 500}, Server},
		{&client.BusyError{Status: 429}, Busy},
		{errors.New("boom"), KindOther},
	} {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestResumeThreadsOntoStoredConversation(t *testing.T) {
	h := newHarness(tone(1000), false, Options{Lang: "bm"})
	h.api.stored = &client.ConversationDetail{ID: "c7", Messages: []client.Message{
		{ID: "u1", Role: "user", TextFR: "bonjour", TextBM: "i ni ce"},
		{ID: "a1", Role: "assistant", TextFR: "Bonjour", TextBM: "I ni ce"},
		{ID: "u2", Role: "user", TextBM: "i ka kɛnɛ wa"},
		{ID: "a2", Role: "assistant", TextFR: "Oui", TextBM: "Tooro si t'a la"},
	}}

	turns, err := h.chat.Resume("c7")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 4 || !turns[0].User || turns[1].User || turns[3].Text("bm") != "Tooro si t'a la" {
		t.Fatalf("turns = %+v", turns)
	}
	if h.chat.ConversationID() != "c7" {
		t.Errorf("conversation = %q", h.chat.ConversationID())
	}
	last, ok := h.chat.LastReply()
	if !ok || last.MessageID != "a2" || last.UserText != "i ka kɛnɛ wa" {
		t.Errorf("last reply = %+v", last)
	}
	if err := h.chat.Rate(1, ""); err != nil {
		t.Errorf("rate after resume: %v", err)
	}
	if err := h.chat.Replay(); !errors.Is(err, ErrNoReply) {
		t.Errorf("replay without stored audio = %v", err)
	}

	if err := h.chat.SendText("a ye taa"); err != nil {
		t.Fatal(err)
	}
	if got := h.api.convs[len(h.api.convs)-1]; got != "c7" {
		t.Errorf("submission threaded onto %q", got)
	}
	if len(h.sink.find("error")) != 0 {
		t.Error("resume reported an error")
	}
}

func TestResumeMissingConversation(t *testing.T) {
	h := newHarness(tone(1000), false, Options{})
	_, err := h.chat.Resume("gone")
	var e *Error
	if !errors.As(err, &e) || e.Kind != Server {
		t.Fatalf("err = %v, want a server error", err)
	}
	if h.chat.ConversationID() != "" {
		t.Error("failed resume changed the conversation")
	}
	if len(h.sink.find("error")) != 0 {
		t.Error("resume failure went to the sink")
	}
}

func TestResumeRejectedWhileRecording(t *testing.T) {
	h := newHarness(tone(1000), false, Options{})
	if err := h.chat.StartRecording(); err != nil {
		t.Fatal(err)
	}
	defer h.chat.CancelRecording()
	if _, err := h.chat.Resume("c7"); !errors.Is(err, ErrInFlight) {
		t.Errorf("err = %v, want ErrInFlight", err)
	}
}
