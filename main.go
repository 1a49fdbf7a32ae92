package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	cb "github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"

	"ekodi/audio"
	"ekodi/capture"
	"ekodi/client"
	"ekodi/config"
	"ekodi/doctor"
	"ekodi/encoder"
	"ekodi/log"
	"ekodi/playback"
	"ekodi/session"
)

var version = "dev"

type flags struct {
	config   string
	api      string
	lang     string
	device   string
	formats  string
	autoStop bool
	autoPlay bool
	setup    bool
	doctor   bool
	replay   string
	history  bool
	convID   string
	version  bool
	crash    bool
	logPath  string
	profile  string
}

func parseFlags(args []string) (*flags, *flag.FlagSet, error) {
	f := &flags{}
	fs := flag.NewFlagSet("ekodi", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "Config file path (default: "+config.DefaultPath()+")")
	fs.StringVar(&f.api, "api", "", "Backend base URL (overrides config and EKODI_API_URL)")
	fs.StringVar(&f.lang, "lang", "", "Input language: fr or bm")
	fs.StringVar(&f.device, "device", "", "Use named microphone device")
	fs.StringVar(&f.formats, "format", "", "Upload encodings in preference order, e.g. flac,wav")
	fs.BoolVar(&f.autoStop, "autostop", true, "Stop recording after a stretch of silence")
	fs.BoolVar(&f.autoPlay, "autoplay", true, "Speak replies as they arrive")
	fs.BoolVar(&f.setup, "setup", false, "Select microphone device before starting")
	fs.BoolVar(&f.doctor, "doctor", false, "Run system diagnostics and exit")
	fs.StringVar(&f.replay, "replay", "", "Headless mode: use a WAV file as the microphone, read commands from stdin")
	fs.BoolVar(&f.history, "history", false, "List conversations and exit")
	fs.StringVar(&f.convID, "conversation", "", "Resume a conversation by id (see -history)")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	fs.BoolVar(&f.crash, "crash", false, "Trigger synthetic panic for testing crash logging")
	fs.StringVar(&f.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&f.profile, "profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

// loadConfig layers file, environment and explicitly set flags.
func loadConfig(f *flags, fs *flag.FlagSet, getenv func(string) string) (*config.Config, error) {
	path, optional := f.config, false
	if path == "" {
		path, optional = config.DefaultPath(), true
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(getenv)

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "api":
			cfg.API.URL = f.api
		case "lang":
			cfg.Chat.Lang = strings.ToLower(f.lang)
		case "device":
			cfg.Audio.Device = f.device
		case "format":
			cfg.Audio.Formats = strings.Split(f.formats, ",")
		case "autostop":
			cfg.Chat.AutoStop = f.autoStop
		case "autoplay":
			cfg.Chat.AutoPlay = f.autoPlay
		}
	})
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, fs, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		return 2
	}

	if f.version {
		fmt.Printf("ekodi %s\n", version)
		return 0
	}

	// Resolve log directory early
	logPath, err := log.ResolveDir(f.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
		debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	if f.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", f.profile)
			if err := http.ListenAndServe(f.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if f.crash {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	cfg, err := loadConfig(f, fs, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	api := client.New(client.Config{
		BaseURL: cfg.API.URL,
		Token:   cfg.API.Token,
		APIKey:  cfg.API.APIKey,
		Timeout: cfg.API.Timeout,
	})

	if f.history {
		return printHistory(api)
	}

	if f.replay != "" {
		return runReplay(f.replay, f.convID, cfg, api)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	device, err := resolveDevice(actx, cfg, f.setup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		fmt.Fprintln(os.Stderr, "Falling back to default device")
	}

	player := &playback.SpeakerFactory{Analyser: cfg.Analyser}

	if f.doctor {
		return doctor.Run(doctor.Options{
			API:       api,
			Speaker:   cfg.Chat.Speaker,
			Audio:     actx,
			Device:    device,
			Formats:   cfg.Audio.Formats,
			Analyser:  cfg.Analyser,
			Threshold: cfg.VAD.Threshold,
			Player:    player,
			ReportDir: log.Dir(),
			CopyText:  cb.WriteAll,
			ReadText:  cb.ReadAll,
		})
	}

	rec := capture.NewRecorder(actx, capture.Options{
		Device:   device,
		Formats:  cfg.Audio.Formats,
		Analyser: cfg.Analyser,
	})
	return runTUI(cfg, f.convID, api, actx, rec, playback.NewController(player))
}

func resolveDevice(actx audio.Context, cfg *config.Config, setup bool) (*audio.DeviceInfo, error) {
	if setup && cfg.Audio.Device == "" {
		dev, err := audio.SelectDevice(actx)
		if err != nil {
			return nil, fmt.Errorf("device selection failed: %w", err)
		}
		fmt.Printf("Selected %q. Set audio.device in %s to keep it.\n", dev.Name, config.DefaultPath())
		return dev, nil
	}
	return audio.FindDevice(actx, cfg.Audio.Device)
}

func chatOptions(cfg *config.Config) session.Options {
	return session.Options{
		Lang:     cfg.Chat.Lang,
		AutoStop: cfg.Chat.AutoStop,
		AutoPlay: cfg.Chat.AutoPlay,
		VAD:      cfg.VAD,
	}
}

func sessionStart(cfg *config.Config) {
	format := "none"
	if fm, err := encoder.Negotiate(cfg.Audio.Formats); err == nil {
		format = fm.Name
	}
	log.SessionStart(cfg.API.URL, cfg.Chat.Lang, format)
}

// resume continues convID when one was given.
func resume(chat *session.Chat, convID string) ([]session.Turn, bool) {
	if convID == "" {
		return nil, true
	}
	turns, err := chat.Resume(convID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resume %s: %v\n", convID, err)
		return nil, false
	}
	return turns, true
}

func runTUI(cfg *config.Config, convID string, api *client.Client, actx audio.Context, rec *capture.Recorder, player *playback.Controller) int {
	sink := &tuiSink{send: func(tea.Msg) {}}
	chat := session.New(rec, api, player, sink, chatOptions(cfg))
	defer chat.Close()

	history, ok := resume(chat, convID)
	if !ok {
		return 1
	}

	stats := &latencyStats{}
	api.OnSubmission(sink.observe(stats))
	sessionStart(cfg)
	api.Warm()

	devices := newDeviceManager(actx, rec, func(d *audio.DeviceInfo) {
		sink.send(DeviceLineMsg{Text: deviceLineText(d)})
	})

	program := NewTUIProgram(newTUIModel(chat, tuiOptions{
		Header:     api.BaseURL(),
		DeviceLine: deviceLineText(rec.Device()),
		CopyText:   cb.WriteAll,
		PickDevice: devices,
		History:    history,
	}))
	sink.send = program.Send

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go devices.watch(ctx)
	go func() {
		<-ctx.Done()
		program.Quit()
	}()

	if _, err := program.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.SessionEnd(chat.Exchanges())
	return 0
}

func runReplay(wavPath, convID string, cfg *config.Config, api *client.Client) int {
	fake, err := audio.NewFakeContext(wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}
	rec := capture.NewRecorder(fake, capture.Options{Formats: cfg.Audio.Formats, Analyser: cfg.Analyser})
	player := playback.NewController(&playback.SpeakerFactory{Analyser: cfg.Analyser})

	sink := newLineSink(os.Stdout)
	chat := session.New(rec, api, player, sink, chatOptions(cfg))
	defer chat.Close()
	if convID != "" {
		if err := runCommand(chat, sink, "RESUME", convID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: resume %s: %v\n", convID, err)
			return 1
		}
	}
	sessionStart(cfg)

	if err := runScript(chat, sink, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.SessionEnd(chat.Exchanges())
	return 0
}

func printHistory(api *client.Client) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	list, err := api.Conversations(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(list) == 0 {
		fmt.Println("No conversations yet.")
		return 0
	}
	for _, c := range list {
		fmt.Printf("%s  %-19.19s  %s\n", c.ID, c.UpdatedAt, c.Title)
	}
	fmt.Println("\nResume one with -conversation <id>.")
	return 0
}
