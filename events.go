package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"ekodi/analyser"
	"ekodi/log"
	"ekodi/session"
)

// TUI message types
type StateMsg struct{ State session.State }
type RecordingStartMsg struct{ Tap *analyser.Tap }
type RecordingStopMsg struct {
	Reason   session.StopReason
	Duration time.Duration
}
type ReplyMsg struct{ Reply session.Reply }
type NothingHeardMsg struct{}
type ErrorMsg struct{ Err *session.Error }
type BusyMsg struct{ RetryAfter time.Duration }
type PlaybackMsg struct {
	MessageID string
	Tap       *analyser.Tap
}
type NoticeMsg struct{ Text string }
type DeviceLineMsg struct{ Text string }
type StatsMsg struct{ Table string }

// tuiSink forwards session events into the Bubble Tea program. Events
// arrive from command and audio goroutines, never from Update.
type tuiSink struct {
	send func(tea.Msg)
}

func (s *tuiSink) StateChanged(st session.State) { s.send(StateMsg{st}) }

func (s *tuiSink) RecordingStarted(tap *analyser.Tap) { s.send(RecordingStartMsg{tap}) }

func (s *tuiSink) RecordingStopped(reason session.StopReason, d time.Duration) {
	s.send(RecordingStopMsg{reason, d})
}

func (s *tuiSink) Reply(r session.Reply) { s.send(ReplyMsg{r}) }

func (s *tuiSink) NothingHeard() { s.send(NothingHeardMsg{}) }

func (s *tuiSink) Error(e *session.Error) { s.send(ErrorMsg{e}) }

func (s *tuiSink) ServerBusy(d time.Duration) { s.send(BusyMsg{d}) }

func (s *tuiSink) PlaybackChanged(id string, tap *analyser.Tap) {
	s.send(PlaybackMsg{id, tap})
}

// observe feeds request latencies into the stats table.
func (s *tuiSink) observe(st *latencyStats) func(log.Submission) {
	return func(sub log.Submission) {
		st.add(sub)
		s.send(StatsMsg{st.table()})
	}
}
