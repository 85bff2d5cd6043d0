// Package app assembles and runs the Yumeko agent.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Yumeko/internal/yumeko/agent"
	"github.com/bdobrica/Yumeko/internal/yumeko/commands"
	yumekoconfig "github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/dedup"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	"github.com/bdobrica/Yumeko/internal/yumeko/matrix"
	"github.com/bdobrica/Yumeko/internal/yumeko/persona"
	"github.com/bdobrica/Yumeko/internal/yumeko/replay"
	"github.com/bdobrica/Yumeko/internal/yumeko/store"
)

// Config holds application configuration
type Config struct {
	DatabasePath string

	// PersonaPath points at the YAML personality descriptor. A missing file
	// falls back to the built-in persona; a malformed one fails startup.
	PersonaPath string

	Matrix matrix.Config

	// Admins is the allowlist of Matrix user IDs permitted to run
	// administrative commands. When empty, administrative commands are
	// disabled entirely; help, version and ping stay available.
	Admins []string

	// HTTPAddr is the TCP address for the optional health/status HTTP server
	// (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string

	// OpenAIAPIKey enables dream generation through an OpenAI-compatible
	// chat-completions endpoint. Empty leaves the scheduler running without
	// a provider: scheduled dreams are skipped and `dream test` explains
	// what is missing.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// DreamEnabled, DreamsPerDay, DreamIntervalMinutes and DreamWindows are
	// the boot defaults for the dream knobs; each can be overridden at
	// runtime via /yumeko config set.
	DreamEnabled         bool
	DreamsPerDay         int
	DreamIntervalMinutes int
	DreamWindows         string

	// PollInterval is the dream scheduler tick period. Zero means
	// dream.DefaultPollInterval.
	PollInterval time.Duration

	// Timezone names the location used for dream windows and the daily
	// quota boundary (e.g. "Europe/Bucharest"). Empty means the process
	// local time.
	Timezone string

	// ReplayDelay postpones the startup replay; zero means the replay
	// package default, negative disables the delay.
	ReplayDelay time.Duration

	// ReplayFetchCount is the per-room history fetch size for the startup
	// replay. Zero means 50.
	ReplayFetchCount int

	// DedupeMode selects how replayed events are keyed for deduplication:
	// "identity" (platform event IDs, the default) or "fingerprint"
	// (content hashing, for platforms whose IDs are unreliable).
	DedupeMode string
}

// App is the assembled Yumeko agent
type App struct {
	config       *Config
	store        *store.Store
	configStore  yumekoconfig.Store
	matrix       *matrix.Client
	router       *commands.Router
	handlers     *commands.Handlers
	host         *agent.Host
	mutex        *dream.Mutex
	scheduler    *dream.Scheduler
	replayEngine *replay.Engine
	healthServer *HealthServer
}

// New wires a Yumeko App from config
func New(config *Config) (*App, error) {
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Runtime config store and the resolver that layers it over the boot
	// defaults. Window parse errors surface here, before anything connects.
	configStore := yumekoconfig.New(st)
	windows, err := yumekoconfig.ParseWindows(config.DreamWindows)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("invalid dream windows: %w", err)
	}
	resolver := yumekoconfig.NewResolver(configStore, yumekoconfig.Defaults{
		DreamEnabled:       config.DreamEnabled,
		DreamsPerDay:       config.DreamsPerDay,
		MinIntervalMinutes: config.DreamIntervalMinutes,
		Windows:            windows,
		ReplayFetchCount:   config.ReplayFetchCount,
		ReplayMarkers:      true,
	})
	slog.Info("runtime config store ready")

	// Personality descriptor. Missing file means the built-in persona; a
	// present but malformed file is a configuration error worth stopping on.
	p, err := persona.Load(config.PersonaPath)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("no persona file; using built-in persona", "path", config.PersonaPath)
		p = persona.Default()
	} else if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load persona: %w", err)
	} else {
		slog.Info("persona loaded", "path", config.PersonaPath, "name", p.Name)
	}

	loc := time.Local
	if config.Timezone != "" {
		loc, err = time.LoadLocation(config.Timezone)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
		}
	}

	dedupeMode, err := dedup.ParseMode(config.DedupeMode)
	if err != nil {
		st.Close()
		return nil, err
	}

	// Matrix client. Inject the DB so the client can persist the sync token
	// across restarts.
	matrixCfg := config.Matrix
	matrixCfg.DB = st.DB()
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	dedupStore := dedup.NewStore(0)
	mutex := dream.NewMutex()
	ledger := dream.NewLedger(st, loc)

	var provider dream.Provider
	if config.OpenAIAPIKey != "" {
		provider = dream.NewProvider(dream.Config{
			APIKey:  config.OpenAIAPIKey,
			BaseURL: config.OpenAIBaseURL,
			Model:   config.OpenAIModel,
		})
		slog.Info("dream provider ready", "model", config.OpenAIModel)
	} else {
		slog.Info("no generation API key; scheduled dreams will be skipped")
	}

	host := agent.NewHost(agent.Config{
		SelfID:     config.Matrix.UserID,
		DedupeMode: dedupeMode,
	}, st, dedupStore, mutex)

	scheduler := dream.NewScheduler(dream.SchedulerConfig{
		Groups:       config.Matrix.Rooms,
		PollInterval: config.PollInterval,
		BotName:      p.Name,
		Personality:  p.PromptBlock(),
		Settings:     resolver,
		Ledger:       ledger,
		Mutex:        mutex,
		Provider:     provider,
		Archive:      st,
		Sender:       matrixClient,
	})

	replayEngine := replay.NewEngine(replay.EngineConfig{
		Groups:       config.Matrix.Rooms,
		SelfID:       config.Matrix.UserID,
		StartupDelay: config.ReplayDelay,
		DedupeMode:   dedupeMode,
		Fetcher:      matrixClient,
		Intake:       host,
		Planner:      host,
		Settings:     resolver,
		Dedup:        dedupStore,
		ShouldRetry:  matrix.IsTransient,
	})

	router := commands.NewRouter("/yumeko")
	handlers := commands.NewHandlers(commands.HandlersConfig{
		Store:       st,
		ConfigStore: configStore,
		Resolver:    resolver,
		Ledger:      ledger,
		Mutex:       mutex,
		Dreamer:     scheduler,
		Groups:      config.Matrix.Rooms,
		Admins:      config.Admins,
		BotName:     p.Name,
	})

	router.Register("help", handlers.HandleHelp)
	router.Register("version", handlers.HandleVersion)
	router.Register("ping", handlers.HandlePing)
	router.Register("dream.status", handlers.HandleDreamStatus)
	router.Register("dream.enable", handlers.HandleDreamEnable)
	router.Register("dream.disable", handlers.HandleDreamDisable)
	router.Register("dream.test", handlers.HandleDreamTest)
	router.Register("dream.reset", handlers.HandleDreamReset)
	router.Register("config.set", handlers.HandleConfigSet)
	router.Register("config.get", handlers.HandleConfigGet)
	router.Register("config.list", handlers.HandleConfigList)
	router.Register("config.unset", handlers.HandleConfigUnset)

	var healthServer *HealthServer
	if config.HTTPAddr != "" {
		healthServer = NewHealthServer(config.HTTPAddr, st, mutex, replayEngine, host)
		slog.Info("health server configured", "addr", config.HTTPAddr)
	}

	return &App{
		config:       config,
		store:        st,
		configStore:  configStore,
		matrix:       matrixClient,
		router:       router,
		handlers:     handlers,
		host:         host,
		mutex:        mutex,
		scheduler:    scheduler,
		replayEngine: replayEngine,
		healthServer: healthServer,
	}, nil
}

// Run starts the Yumeko agent and blocks until interrupted
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	// The scheduler polls for dream eligibility; the replay engine waits out
	// its startup delay, catches the rooms up once, then returns.
	go a.scheduler.Run(ctx)
	go a.replayEngine.Run(ctx)

	slog.Info("Yumeko is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops the Yumeko agent
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage processes incoming Matrix messages: commands are routed to
// their handlers, everything else flows into the live intake.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}
	roomID := evt.RoomID.String()

	response, err := a.router.Route(ctx, msgContent.Body, evt)
	if err != nil {
		if errors.Is(err, commands.ErrNotACommand) {
			// Ordinary chat: admit into the history, then nudge the planner.
			if err := a.host.HandleLive(ctx, roomID, evt.ID.String(), evt.Sender.String(), msgContent.Body, time.UnixMilli(evt.Timestamp)); err != nil {
				slog.Error("live ingest failed", "room", roomID, "err", err)
				return
			}
			a.host.RequestPlanningPass(ctx, roomID)
			return
		}
		// A /yumeko-prefixed command that errored.
		if err2 := a.matrix.ReplyToMessage(ctx, roomID, evt.ID.String(), fmt.Sprintf("❌ Error: %s", err)); err2 != nil {
			slog.Error("failed to send error reply", "room", roomID, "err", err2)
		}
		return
	}

	// Send response — use the formatted variant so Markdown syntax (bold,
	// code blocks, etc.) is rendered by Matrix clients that support HTML.
	if response != "" {
		htmlBody := markdownToHTML(response)
		if err := a.matrix.SendFormattedMessage(ctx, roomID, htmlBody, response); err != nil {
			slog.Error("failed to send response", "room", roomID, "err", err)
		}
	}
}

// markdownToHTML converts the small subset of Markdown produced by Yumeko
// command handlers into HTML suitable for a Matrix m.text event with
// format=org.matrix.custom.html.
//
// Supported constructs (in order of processing):
//   - Fenced code blocks  ```…```  → <pre><code>…</code></pre>
//   - Inline code  `…`             → <code>…</code>
//   - Bold  **…**                  → <strong>…</strong>
//   - Newlines                     → <br/>
func markdownToHTML(md string) string {
	// Process fenced code blocks first so their content is not touched by
	// subsequent inline passes.
	var out strings.Builder
	lines := strings.Split(md, "\n")
	inCode := false
	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			if !inCode {
				out.WriteString("<pre><code>")
				inCode = true
			} else {
				out.WriteString("</code></pre>")
				inCode = false
			}
			continue
		}
		if inCode {
			// Escape HTML entities inside code blocks.
			escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(line)
			out.WriteString(escaped)
			out.WriteString("\n")
		} else {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	result := out.String()

	// Inline code: `…`
	result = replaceDelimited(result, "`", "<code>", "</code>")

	// Bold: **…**
	result = replaceDelimited(result, "**", "<strong>", "</strong>")

	// Convert bare newlines to <br/>.
	result = strings.ReplaceAll(result, "\n", "<br/>")

	return result
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim) // absolute index of closing delim
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
