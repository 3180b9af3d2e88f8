package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	callpkg "github.com/mikeyg42/peercall/internal/call"
	"github.com/mikeyg42/peercall/internal/config"
	"github.com/mikeyg42/peercall/internal/history"
	"github.com/mikeyg42/peercall/internal/media"
	"github.com/mikeyg42/peercall/internal/peer"
	"github.com/mikeyg42/peercall/internal/session"
	sig "github.com/mikeyg42/peercall/internal/signal"
	"github.com/mikeyg42/peercall/internal/stunserver"
)

// Application holds all components of the running call client.
type Application struct {
	config *config.Config
	log    *zap.Logger

	orchestrator *callpkg.Orchestrator
	mediaManager *media.Manager
	channel      *sig.Channel
	history      *history.Store
	stun         *stunserver.Server
}

func main() {
	cfg := config.NewDefaultConfig()
	cfg.ApplyEnv()

	joinID := flag.String("session", "", "session ID to join; empty creates a new session")
	name := flag.String("name", "peercall session", "session name when creating")
	flag.StringVar(&cfg.SignalingURL, "signal-url", cfg.SignalingURL, "signaling websocket URL")
	flag.StringVar(&cfg.SessionServiceURL, "service-url", cfg.SessionServiceURL, "session service base URL")
	flag.BoolVar(&cfg.AutoNegotiate, "auto-negotiate", cfg.AutoNegotiate, "offer automatically when the transport asks")
	flag.BoolVar(&cfg.STUN.Enabled, "stun", cfg.STUN.Enabled, "run the embedded STUN server")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, *joinID, *name); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	mediaManager, err := media.NewManager(cfg.Media, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media manager: %w", err)
	}

	var tokens oauth2.TokenSource
	if cfg.AuthToken != "" {
		tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AuthToken})
	}
	svc := session.NewClient(cfg.SessionServiceURL, tokens)

	channel := sig.NewChannel(cfg.SignalingURL, logger)

	app := &Application{
		config:       cfg,
		log:          logger,
		mediaManager: mediaManager,
		channel:      channel,
	}

	if cfg.STUN.Enabled {
		app.stun = stunserver.New(cfg.STUN, logger)
	}

	if cfg.HistoryDSN != "" {
		store, err := history.Open(context.Background(), cfg.HistoryDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		app.history = store
	}

	factory := func(stream *media.Stream, cb peer.Callbacks) (callpkg.PeerLink, error) {
		conn, err := peer.New(stream, mediaManager.CodecSelector(), cfg.ICEServers, cb, logger)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	var recorder callpkg.HistoryRecorder
	if app.history != nil {
		recorder = app.history
	}
	app.orchestrator = callpkg.New(svc, mediaManager, channel, factory, recorder, cfg.AutoNegotiate, logger)
	app.orchestrator.Observe(app.render)

	return app, nil
}

func (app *Application) Cleanup() {
	if app.orchestrator != nil {
		app.orchestrator.Close()
	}
	if app.stun != nil {
		if err := app.stun.Stop(); err != nil {
			app.log.Warn("stun server stop", zap.Error(err))
		}
	}
	if app.history != nil {
		app.history.Close()
	}
}

func (app *Application) Run(ctx context.Context, joinID, name string) error {
	if app.stun != nil {
		if err := app.stun.Start(ctx); err != nil {
			return fmt.Errorf("failed to start stun server: %w", err)
		}
		app.config.ICEServers = append(app.config.ICEServers, app.stun.URL())
	}

	if joinID == "" {
		id, err := app.orchestrator.CreateSession(ctx, name, "")
		if err != nil {
			return err
		}
		fmt.Printf("session created: %s\nshare this ID with the other party, then type 'call' when they have joined\n", id)
	} else {
		if err := app.orchestrator.JoinSession(ctx, joinID); err != nil {
			return err
		}
		fmt.Printf("joined session %s; waiting for the call\n", joinID)
	}

	return app.commandLoop(ctx)
}

// readCommands streams trimmed lines from r on the returned channel. The
// reader goroutine exits when r hits EOF or, if a send is pending, when ctx
// ends; it is never left blocked on an abandoned channel.
func readCommands(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// commandLoop reads interactive commands until the context ends or stdin
// closes.
func (app *Application) commandLoop(ctx context.Context) error {
	lines := readCommands(ctx, os.Stdin)

	fmt.Println("commands: call, mute, video, screen, history, leave, quit")
	for {
		select {
		case <-ctx.Done():
			app.orchestrator.LeaveSession()
			return nil
		case line, ok := <-lines:
			if !ok {
				app.orchestrator.LeaveSession()
				return nil
			}
			if done := app.dispatch(ctx, line); done {
				return nil
			}
		}
	}
}

func (app *Application) dispatch(ctx context.Context, line string) bool {
	switch line {
	case "call":
		if err := app.orchestrator.InitiateCall(); err != nil {
			fmt.Printf("call failed: %v\n", err)
		}
	case "mute":
		enabled := app.orchestrator.ToggleAudio()
		fmt.Printf("microphone enabled: %v\n", enabled)
	case "video":
		enabled := app.orchestrator.ToggleVideo()
		fmt.Printf("camera enabled: %v\n", enabled)
	case "screen":
		if err := app.orchestrator.ToggleScreenShare(ctx); err != nil {
			fmt.Printf("screen share failed: %v\n", err)
		}
	case "history":
		app.printHistory(ctx)
	case "leave":
		app.orchestrator.LeaveSession()
		fmt.Println("left session")
	case "quit":
		app.orchestrator.LeaveSession()
		return true
	case "":
	default:
		fmt.Printf("unknown command %q\n", line)
	}
	return false
}

func (app *Application) printHistory(ctx context.Context) {
	if app.history == nil {
		fmt.Println("history store not configured (set PEERCALL_HISTORY_DSN)")
		return
	}
	entries, err := app.history.Recent(ctx, 10)
	if err != nil {
		fmt.Printf("history query failed: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no recorded calls")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %-10s %-9s %s\n",
			e.EndedAt.Format("2006-01-02 15:04"),
			e.SessionID, e.Role, e.Outcome)
	}
}

// render prints state transitions for the console collaborator.
func (app *Application) render(snap callpkg.Snapshot) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", snap.Call.ConnectionState)
	if snap.Call.SessionID != "" {
		fmt.Fprintf(&b, " session=%s role=%s peers=%d",
			snap.Call.SessionID, snap.Call.Role, len(snap.Call.Participants))
	}
	if snap.Media.HasLocalStream {
		fmt.Fprintf(&b, " mic=%v cam=%v", snap.Media.AudioEnabled, snap.Media.VideoEnabled)
		if snap.Media.SharingScreen {
			b.WriteString(" sharing-screen")
		}
	}
	if snap.Media.HasRemoteStream {
		b.WriteString(" remote-media")
	}
	if snap.Call.Err != "" {
		fmt.Fprintf(&b, " error=%q", snap.Call.Err)
	}
	fmt.Println(b.String())
}
