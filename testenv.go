package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"ekodi/analyser"
	"ekodi/session"
)

const waitTimeout = 2 * time.Minute

// lineSink prints session events one per line for scripted runs.
type lineSink struct {
	mu      sync.Mutex
	out     io.Writer
	lang    func() string
	settled chan struct{}
}

func newLineSink(out io.Writer) *lineSink {
	return &lineSink{out: out, settled: make(chan struct{}, 16)}
}

func (s *lineSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *lineSink) StateChanged(st session.State) {
	s.printf("state %s", st)
	if st == session.Idle {
		select {
		case s.settled <- struct{}{}:
		default:
		}
	}
}

func (s *lineSink) RecordingStarted(*analyser.Tap) { s.printf("recording") }

func (s *lineSink) RecordingStopped(reason session.StopReason, d time.Duration) {
	s.printf("stopped reason=%s audio=%.1fs", reason, d.Seconds())
}

func (s *lineSink) Reply(r session.Reply) {
	lang := "fr"
	if s.lang != nil {
		lang = s.lang()
	}
	s.printf("reply conversation=%s message=%s audio=%t", r.ConversationID, r.MessageID, r.HasAudio)
	if r.UserText != "" {
		s.printf("  you: %s", r.UserText)
	}
	s.printf("  ekodi: %s", r.Text(lang))
}

func (s *lineSink) NothingHeard() { s.printf("nothing_heard") }

func (s *lineSink) Error(e *session.Error) { s.printf("error kind=%s: %s", e.Kind, e.Error()) }

func (s *lineSink) ServerBusy(d time.Duration) { s.printf("busy retry_after=%.0fs", d.Seconds()) }

func (s *lineSink) PlaybackChanged(id string, _ *analyser.Tap) {
	if id == "" {
		s.printf("playback idle")
		return
	}
	s.printf("playback message=%s", id)
}

// drain discards settle signals left over from earlier commands.
func (s *lineSink) drain() {
	for {
		select {
		case <-s.settled:
		default:
			return
		}
	}
}

func (s *lineSink) wait(timeout time.Duration) bool {
	select {
	case <-s.settled:
		return true
	case <-time.After(timeout):
		return false
	}
}

var errQuit = errors.New("quit")

// runScript drives chat from line commands:
//
//	START, STOP, CANCEL, WAIT, SAY <text>, LANG fr|bm, REPLAY,
//	STOP_PLAYBACK, RATE 1|-1, NEW, RESUME <id>, SLEEP <ms>, QUIT
//
// WAIT blocks until the session returns to idle.
func runScript(chat *session.Chat, sink *lineSink, in io.Reader) error {
	sink.lang = chat.Lang
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		err := runCommand(chat, sink, strings.ToUpper(cmd), strings.TrimSpace(arg))
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			var se *session.Error
			if !errors.As(err, &se) {
				sink.printf("command %s: %v", cmd, err)
			}
		}
	}
	return scanner.Err()
}

func runCommand(chat *session.Chat, sink *lineSink, cmd, arg string) error {
	switch cmd {
	case "START":
		sink.drain()
		return chat.StartRecording()
	case "STOP":
		return chat.StopRecording()
	case "CANCEL":
		chat.CancelRecording()
	case "WAIT":
		if !sink.wait(waitTimeout) {
			return errors.New("timed out waiting for idle")
		}
	case "SAY":
		sink.drain()
		return chat.SendText(arg)
	case "LANG":
		if arg == "" {
			sink.printf("lang %s", chat.ToggleLang())
			return nil
		}
		if err := chat.SetLang(arg); err != nil {
			return err
		}
		sink.printf("lang %s", chat.Lang())
	case "REPLAY":
		return chat.Replay()
	case "STOP_PLAYBACK":
		chat.StopPlayback()
	case "RATE":
		rating, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("rating %q: %w", arg, err)
		}
		if err := chat.Rate(rating, ""); err != nil {
			return err
		}
		sink.printf("rated %d", rating)
	case "NEW":
		chat.NewConversation()
		sink.printf("conversation new")
	case "RESUME":
		turns, err := chat.Resume(arg)
		if err != nil {
			// Resume leaves reporting to the caller.
			var se *session.Error
			if errors.As(err, &se) {
				sink.Error(se)
			}
			return err
		}
		sink.printf("conversation resumed id=%s turns=%d", chat.ConversationID(), len(turns))
		for _, t := range turns {
			who := "ekodi"
			if t.User {
				who = "you"
			}
			sink.printf("  %s: %s", who, t.Text(chat.Lang()))
		}
	case "SLEEP":
		ms, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("sleep %q: %w", arg, err)
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
	case "QUIT":
		return errQuit
	default:
		return fmt.Errorf("unknown command")
	}
	return nil
}
