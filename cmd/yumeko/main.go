// Yumeko is a Matrix companion agent that keeps a persistent archive of its
// rooms, catches up on what it missed while offline, and posts a short
// "dream" during configured quiet hours.
//
// All configuration is loaded from environment variables.
//
// Required environment variables:
//
//	YUMEKO_HOMESERVER     - Matrix homeserver URL (e.g. "https://matrix.org")
//	YUMEKO_USER_ID        - the agent's Matrix ID (e.g. "@yumeko:matrix.org")
//	YUMEKO_ACCESS_TOKEN   - the agent's Matrix access token
//	YUMEKO_ROOMS          - comma-separated room IDs the agent lives in
//
// Optional environment variables:
//
//	YUMEKO_ADMINS         - comma-separated admin MXIDs; empty disables all
//	                        administrative commands
//	YUMEKO_DB_PATH        - SQLite database path (default: ./yumeko.db)
//	YUMEKO_PERSONA_PATH   - persona YAML path (default: ./persona.yaml);
//	                        a missing file means the built-in persona
//	YUMEKO_HTTP_ADDR      - health/status HTTP address; empty disables
//	YUMEKO_LOG_LEVEL      - "debug", "info", "warn", "error" (default: "info")
//	YUMEKO_LOG_FORMAT     - "text" or "json" (default: "text")
//	YUMEKO_OPENAI_API_KEY - key for the OpenAI-compatible dream generator;
//	                        empty leaves dreaming off
//	YUMEKO_OPENAI_BASE_URL- override endpoint (e.g. for Ollama)
//	YUMEKO_OPENAI_MODEL   - model name (default: "gpt-4o-mini")
//	YUMEKO_REPLAY_DELAY   - delay before the startup replay (default: 30s)
//	YUMEKO_REPLAY_FETCH   - history fetch size per room (default: 50)
//	YUMEKO_POLL_INTERVAL  - dream scheduler tick (default: 1m)
//	YUMEKO_DREAMS_PER_DAY - daily dream quota per room (default: 1)
//	YUMEKO_DREAM_INTERVAL - minimum minutes between dreams (default: 240)
//	YUMEKO_DREAM_WINDOWS  - dream windows, "HH:MM-HH:MM,..." (default: "02:00-05:00")
//	YUMEKO_DREAM_ENABLED  - boot default for dream.enabled (default: true
//	                        exactly when an API key is set)
//	YUMEKO_DEDUP_MODE     - replay dedup keying, "identity" or "fingerprint"
//	                        (default: "identity")
//	YUMEKO_TZ             - IANA timezone for windows and the daily quota
//	                        boundary (default: process local time)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bdobrica/Yumeko/common/environment"
	"github.com/bdobrica/Yumeko/common/version"
	"github.com/bdobrica/Yumeko/internal/yumeko/app"
	"github.com/bdobrica/Yumeko/internal/yumeko/matrix"
)

func main() {
	setupLogging(
		environment.StringOr("YUMEKO_LOG_LEVEL", "info"),
		environment.StringOr("YUMEKO_LOG_FORMAT", "text"),
	)

	fmt.Printf("Yumeko\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config := loadConfig()

	yumeko, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Yumeko: %v\n", err)
		os.Exit(1)
	}
	defer yumeko.Stop()

	if err := yumeko.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Yumeko: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from environment variables
func loadConfig() *app.Config {
	apiKey := os.Getenv("YUMEKO_OPENAI_API_KEY")

	return &app.Config{
		DatabasePath: environment.StringOr("YUMEKO_DB_PATH", "./yumeko.db"),
		PersonaPath:  environment.StringOr("YUMEKO_PERSONA_PATH", "./persona.yaml"),
		Matrix: matrix.Config{
			Homeserver:  mustEnv("YUMEKO_HOMESERVER"),
			UserID:      mustEnv("YUMEKO_USER_ID"),
			AccessToken: mustEnv("YUMEKO_ACCESS_TOKEN"),
			Rooms:       mustEnvSlice("YUMEKO_ROOMS"),
		},
		Admins:   environment.StringSliceOr("YUMEKO_ADMINS", nil),
		HTTPAddr: os.Getenv("YUMEKO_HTTP_ADDR"),

		OpenAIAPIKey:  apiKey,
		OpenAIBaseURL: os.Getenv("YUMEKO_OPENAI_BASE_URL"),
		OpenAIModel:   environment.StringOr("YUMEKO_OPENAI_MODEL", "gpt-4o-mini"),

		// Dreaming defaults on exactly when a generation key is present;
		// either side can be forced via YUMEKO_DREAM_ENABLED.
		DreamEnabled:         environment.BoolOr("YUMEKO_DREAM_ENABLED", apiKey != ""),
		DreamsPerDay:         environment.IntOr("YUMEKO_DREAMS_PER_DAY", 1),
		DreamIntervalMinutes: environment.IntOr("YUMEKO_DREAM_INTERVAL", 240),
		DreamWindows:         environment.StringOr("YUMEKO_DREAM_WINDOWS", "02:00-05:00"),
		PollInterval:         environment.DurationOr("YUMEKO_POLL_INTERVAL", time.Minute),
		Timezone:             os.Getenv("YUMEKO_TZ"),

		ReplayDelay:      environment.DurationOr("YUMEKO_REPLAY_DELAY", 30*time.Second),
		ReplayFetchCount: environment.IntOr("YUMEKO_REPLAY_FETCH", 50),
		DedupeMode:       environment.StringOr("YUMEKO_DEDUP_MODE", "identity"),
	}
}

// mustEnv returns the named variable's value or exits with a message naming
// what is missing.
func mustEnv(name string) string {
	v, err := environment.RequiredString(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return v
}

// mustEnvSlice is mustEnv for comma-separated lists.
func mustEnvSlice(name string) []string {
	mustEnv(name)
	return environment.StringSliceOr(name, nil)
}

// setupLogging configures the global slog logger according to the provided
// level and format strings (e.g. level="info", format="json").
func setupLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
