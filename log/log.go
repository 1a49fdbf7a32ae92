package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcriptFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

// Submission describes one round trip to the chat backend.
type Submission struct {
	Endpoint   string
	Lang       string
	BlobKB     float64
	AudioS     float64
	DNSMs      float64
	TLSMs      float64
	TTFBMs     float64
	TotalMs    float64
	Status     int
	ConnReused bool
	RequestID  string
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absFromWd(flagPath)
	}

	// Priority 2: EKODI_LOG_PATH environment variable
	if envPath := os.Getenv("EKODI_LOG_PATH"); envPath != "" {
		return absFromWd(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absFromWd(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcriptPath := filepath.Join(dir, "conversation_log.txt")
	transcriptFile, err = os.OpenFile(transcriptPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	diagLog = newLogger(diagFile)
	logReady = true
	return nil
}

func newLogger(w io.Writer) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	return zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcriptFile != nil {
		transcriptFile.Close()
		transcriptFile = nil
	}
	logReady = false
}

func Debug(msg string) {
	if logReady {
		diagLog.Debug().Msg(msg)
	}
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SubmissionMetrics(s Submission) {
	if !logReady {
		return
	}

	connStatus := "new"
	if s.ConnReused {
		connStatus = "reused"
	}

	diagLog.Info().
		Str("endpoint", s.Endpoint).
		Str("lang", s.Lang).
		Str("conn", connStatus).
		Str("request_id", s.RequestID).
		Int("status", s.Status).
		Float64("blob_kb", s.BlobKB).
		Float64("audio_s", s.AudioS).
		Float64("dns_ms", s.DNSMs).
		Float64("tls_ms", s.TLSMs).
		Float64("ttfb_ms", s.TTFBMs).
		Float64("total_ms", s.TotalMs).
		Msg("submission")
}

// Exchange appends one user/assistant turn to the conversation log.
func Exchange(conversationID, user, reply string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(transcriptFile, "%s\t[%d]\t%s\tuser\t%s\n", ts, pid, conversationID, user)
	fmt.Fprintf(transcriptFile, "%s\t[%d]\t%s\tekodi\t%s\n", ts, pid, conversationID, reply)
}

func VADStop(elapsed, silence time.Duration) {
	if !logReady {
		return
	}
	diagLog.Info().
		Dur("elapsed", elapsed).
		Dur("silence", silence).
		Msg("vad_stop")
}

func Playback(event, messageID string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("event", event).
		Str("message_id", messageID).
		Msg("playback")
}

func ServerBusy(retryAfter time.Duration) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Dur("retry_after", retryAfter).
		Msg("server_busy")
}

func SessionStart(apiURL, lang, format string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("api", apiURL).
		Str("lang", lang).
		Str("format", format).
		Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("count", count).
		Msg("session_end")
}
