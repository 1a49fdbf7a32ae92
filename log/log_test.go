package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupLogDir(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	SetDir(tmp)
	t.Cleanup(func() { Close(); SetDir("") })
	return tmp
}

func TestResolveDirFlag(t *testing.T) {
	got, err := ResolveDir("/tmp/ekodi-log")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/ekodi-log" {
		t.Errorf("got %q, want /tmp/ekodi-log", got)
	}
}

func TestResolveDirFlagRelative(t *testing.T) {
	got, err := ResolveDir("logs")
	if err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(wd, "logs"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveDirEnv(t *testing.T) {
	t.Setenv("EKODI_LOG_PATH", "/tmp/ekodi-env-log")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/ekodi-env-log" {
		t.Errorf("got %q, want /tmp/ekodi-env-log", got)
	}
}

func TestResolveDirDefault(t *testing.T) {
	t.Setenv("EKODI_LOG_PATH", "")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "ekodi") {
		t.Errorf("default dir %q should mention ekodi", got)
	}
}

func TestInitCreatesFiles(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"diagnostics_log.txt", "conversation_log.txt"} {
		if _, err := os.Stat(filepath.Join(tmp, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestExchange(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	Exchange("c-1", "i ni ce", "i ni ce, i ka kene?")

	data, err := os.ReadFile(filepath.Join(tmp, "conversation_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}
	if !strings.Contains(lines[0], "\tuser\ti ni ce") {
		t.Errorf("user line malformed: %q", lines[0])
	}
	if !strings.Contains(lines[1], "\tekodi\t") || !strings.Contains(lines[1], "c-1") {
		t.Errorf("reply line malformed: %q", lines[1])
	}
}

func TestStructuredEvents(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	SubmissionMetrics(Submission{Endpoint: "/voice-chat", Lang: "bm", Status: 200, TotalMs: 812})
	ServerBusy(10 * time.Second)
	VADStop(2400*time.Millisecond, 1800*time.Millisecond)
	Close()

	data, err := os.ReadFile(filepath.Join(tmp, "diagnostics_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"submission", "endpoint=/voice-chat", "server_busy", "vad_stop"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("diagnostics log missing %q:\n%s", want, data)
		}
	}
}

func TestNoopBeforeInit(t *testing.T) {
	Close()
	Info("dropped")
	Exchange("c", "u", "r")
	ServerBusy(time.Second)
}

func TestCloseIdempotent(t *testing.T) {
	setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Close()
	Close()
}
