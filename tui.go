package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ekodi/session"
	"ekodi/waveform"
)

const (
	waveCols    = 48
	waveRows    = 3
	maxTurns    = 40
	tickEvery   = 200 * time.Millisecond
	composeHint = "enter send · esc back"
	helpText    = "space talk · t type · l fr/bm · p replay · s stop · c copy · +/- rate · n new · g mic · q quit"
)

type tickMsg time.Time
type paintMsg struct{}

type tuiMode int

const (
	modeKeys tuiMode = iota
	modeCompose
)

type turn struct {
	user bool
	text string
}

type tuiModel struct {
	chat     *session.Chat
	renderer *waveform.Renderer
	canvas   *waveform.TermCanvas
	paints   <-chan struct{}
	copyText func(string) error
	pick     tea.ExecCommand
	header   string

	state      session.State
	lang       string
	recStart   time.Time
	speaking   string
	mode       tuiMode
	draft      []rune
	turns      []turn
	notice     string
	errText    string
	busyUntil  time.Time
	now        time.Time
	deviceLine string
	stats      string
	width      int
	height     int
}

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	sendStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	speakStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	replyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	bannerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("232")).Background(lipgloss.Color("214")).Bold(true).Padding(0, 1)
	composeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
)

type tuiOptions struct {
	Header     string
	DeviceLine string
	CopyText   func(string) error
	// PickDevice runs the device picker with the terminal released.
	PickDevice tea.ExecCommand
	// History seeds the transcript of a resumed conversation.
	History []session.Turn
}

func newTUIModel(chat *session.Chat, opts tuiOptions) tuiModel {
	canvas := waveform.NewTermCanvas(waveCols, waveRows)
	renderer := waveform.NewRenderer(canvas, waveform.TermStyle(), waveform.FrameScheduler{})
	paints := make(chan struct{}, 1)
	renderer.OnPaint(func() {
		select {
		case paints <- struct{}{}:
		default:
		}
	})
	m := tuiModel{
		chat:       chat,
		renderer:   renderer,
		canvas:     canvas,
		paints:     paints,
		copyText:   opts.CopyText,
		pick:       opts.PickDevice,
		header:     opts.Header,
		lang:       chat.Lang(),
		deviceLine: opts.DeviceLine,
		now:        time.Now(),
	}
	for _, t := range opts.History {
		m.addTurn(t.User, t.Text(m.lang))
	}
	if len(opts.History) > 0 {
		m.notice = "Resumed conversation."
	}
	return m
}

func NewTUIProgram(m tuiModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(tickEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitPaint(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return paintMsg{}
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(tuiTick(), waitPaint(m.paints))
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.renderer.Resize(max(8, min(waveCols, msg.Width-2)), waveRows)

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.mode == modeCompose {
			return m.composeKey(msg)
		}
		return m.commandKey(msg)

	case tickMsg:
		m.now = time.Time(msg)
		return m, tuiTick()

	case paintMsg:
		return m, waitPaint(m.paints)

	case StateMsg:
		m.state = msg.State
		if msg.State == session.Uploading {
			m.errText, m.notice = "", ""
		}

	case RecordingStartMsg:
		m.recStart = time.Now()
		m.errText, m.notice = "", ""
		m.renderer.Attach(msg.Tap)

	case RecordingStopMsg:
		m.renderer.Detach()
		if msg.Reason == session.StopVAD {
			m.notice = "Silence detected, sending."
		}

	case ReplyMsg:
		if msg.Reply.UserText != "" {
			m.addTurn(true, msg.Reply.UserText)
		}
		m.addTurn(false, msg.Reply.Text(m.lang))
		m.notice = ""

	case NothingHeardMsg:
		m.notice = "Nothing heard. Speak closer to the microphone and try again."

	case ErrorMsg:
		m.errText = msg.Err.Error()

	case BusyMsg:
		m.busyUntil = time.Now().Add(msg.RetryAfter)
		m.now = time.Now()

	case PlaybackMsg:
		m.speaking = msg.MessageID
		if msg.Tap != nil && m.state != session.Recording {
			m.renderer.Attach(msg.Tap)
		}

	case NoticeMsg:
		m.notice = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text

	case StatsMsg:
		m.stats = msg.Table
	}
	return m, nil
}

func (m *tuiModel) addTurn(user bool, text string) {
	m.turns = append(m.turns, turn{user: user, text: text})
	if len(m.turns) > maxTurns {
		m.turns = m.turns[len(m.turns)-maxTurns:]
	}
}

func (m tuiModel) commandKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	chat := m.chat
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case " ":
		if m.state == session.Recording {
			return m, sessionCmd(chat.StopRecording)
		}
		return m, sessionCmd(chat.StartRecording)
	case "esc":
		return m, sessionCmd(func() error { chat.CancelRecording(); return nil })
	case "t", "i":
		m.mode = modeCompose
	case "l":
		m.lang = chat.ToggleLang()
		m.notice = "Input language: " + langName(m.lang)
	case "p":
		return m, sessionCmd(chat.Replay)
	case "s":
		return m, sessionCmd(func() error { chat.StopPlayback(); return nil })
	case "c":
		return m, m.copyReply()
	case "+", "=":
		return m, rateCmd(chat, 1)
	case "-":
		return m, rateCmd(chat, -1)
	case "n":
		chat.NewConversation()
		m.turns = nil
		m.notice = "New conversation."
	case "g":
		if m.pick != nil && m.state == session.Idle {
			return m, tea.Exec(m.pick, func(err error) tea.Msg {
				if err != nil {
					return NoticeMsg{"Device unchanged: " + err.Error()}
				}
				return nil
			})
		}
	}
	return m, nil
}

func (m tuiModel) composeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		text := string(m.draft)
		m.draft = nil
		m.mode = modeKeys
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		chat := m.chat
		return m, sessionCmd(func() error { return chat.SendText(text) })
	case tea.KeyEsc:
		m.mode = modeKeys
	case tea.KeyBackspace:
		if len(m.draft) > 0 {
			m.draft = m.draft[:len(m.draft)-1]
		}
	case tea.KeySpace:
		m.draft = append(m.draft, ' ')
	case tea.KeyRunes:
		m.draft = append(m.draft, msg.Runes...)
	}
	return m, nil
}

// sessionCmd runs fn off the UI goroutine. Classified failures already
// reached the sink; anything else becomes a notice.
func sessionCmd(fn func() error) tea.Cmd {
	return func() tea.Msg {
		err := fn()
		if err == nil {
			return nil
		}
		var se *session.Error
		if errors.As(err, &se) {
			return nil
		}
		return NoticeMsg{sentence(err.Error())}
	}
}

func rateCmd(chat *session.Chat, rating int) tea.Cmd {
	return func() tea.Msg {
		if err := chat.Rate(rating, ""); err != nil {
			var se *session.Error
			if errors.As(err, &se) {
				return nil
			}
			return NoticeMsg{sentence(err.Error())}
		}
		return NoticeMsg{"Thanks for the feedback."}
	}
}

func (m tuiModel) copyReply() tea.Cmd {
	chat, lang, copyText := m.chat, m.lang, m.copyText
	return func() tea.Msg {
		r, ok := chat.LastReply()
		if !ok {
			return NoticeMsg{"Nothing to copy yet."}
		}
		if copyText == nil {
			return NoticeMsg{"Clipboard unavailable."}
		}
		if err := copyText(r.Text(lang)); err != nil {
			return NoticeMsg{"Copy failed: " + err.Error()}
		}
		return NoticeMsg{"Reply copied."}
	}
}

func sentence(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:] + "."
}

func langName(code string) string {
	if code == "bm" {
		return "Bambara"
	}
	return "French"
}

func (m tuiModel) statusLine() string {
	switch {
	case m.state == session.Recording:
		return recStyle.Render(fmt.Sprintf("● REC %.1fs", m.now.Sub(m.recStart).Seconds()))
	case m.state == session.Uploading:
		return sendStyle.Render("◌ sending...")
	case m.speaking != "":
		return speakStyle.Render("♪ speaking")
	}
	return dimStyle.Render("○ ready")
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	width := max(m.width-2, 20)

	var lines []string
	lines = append(lines,
		titleStyle.Render("ekodi")+dimStyle.Render(fmt.Sprintf("  [%s]  %s", m.lang, m.header)),
		"",
		m.statusLine(),
		m.canvas.String(),
	)

	if remaining := m.busyUntil.Sub(m.now); remaining > 0 {
		secs := int(remaining.Round(time.Second).Seconds())
		lines = append(lines, bannerStyle.Render(fmt.Sprintf("Server busy. Try again in %ds.", max(secs, 1))))
	}
	if m.errText != "" {
		lines = append(lines, errStyle.Render(m.errText))
	}
	if m.notice != "" {
		lines = append(lines, noticeStyle.Render(m.notice))
	}
	lines = append(lines, "")

	// Keep the newest turns that fit above the footer.
	footer := m.footer(width)
	room := m.height - len(lines) - len(footer)
	var transcript []string
	for i := len(m.turns) - 1; i >= 0 && len(transcript) < room; i-- {
		t := m.turns[i]
		style, prefix := replyStyle, "ekodi: "
		if t.user {
			style, prefix = userStyle, "you:   "
		}
		wrapped := wrapText(prefix+t.text, width)
		block := make([]string, 0, len(wrapped))
		for _, w := range wrapped {
			block = append(block, style.Render(w))
		}
		transcript = append(block, transcript...)
	}
	if len(m.turns) == 0 {
		transcript = []string{dimStyle.Render("Press space and speak, or t to type.")}
	}
	if len(transcript) > room && room > 0 {
		transcript = transcript[len(transcript)-room:]
	}
	lines = append(lines, transcript...)

	for len(lines)+len(footer) < m.height {
		lines = append(lines, "")
	}
	lines = append(lines, footer...)
	return lipgloss.NewStyle().PaddingLeft(1).Render(strings.Join(lines, "\n"))
}

func (m tuiModel) footer(width int) []string {
	var out []string
	if m.mode == modeCompose {
		out = append(out, composeStyle.Render("> "+string(m.draft)+"▌"), helpStyle.Render(composeHint))
	}
	if m.stats != "" {
		out = append(out, "")
		for _, line := range strings.Split(m.stats, "\n") {
			out = append(out, dimStyle.Render(line))
		}
	}
	out = append(out, "")
	if m.deviceLine != "" {
		out = append(out, dimStyle.Render(m.deviceLine))
	}
	for _, line := range wrapText(helpText, width) {
		out = append(out, helpStyle.Render(line))
	}
	out = append(out, helpStyle.Render("ekodi "+version))
	return out
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	rs := []rune(text)
	for len(rs) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if rs[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(rs[:splitAt]))
		rs = []rune(strings.TrimLeft(string(rs[splitAt:]), " "))
	}
	if len(rs) > 0 {
		lines = append(lines, string(rs))
	}
	return lines
}
