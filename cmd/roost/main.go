// Roost is a conversational participant for long-lived group chat
// channels. It keeps per-channel conversation memory with staleness
// detection and summarization, answers questions through an
// OpenAI-compatible model service, and gives the model tools over the
// channel's logged history and a small backlog of open items.
//
// Usage:
//
//	roost ask -channel <chan> -nick <nick> <question>
//	roost log -channel <chan> -nick <nick> <message>
//	roost reset -channel <chan>
//	roost version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roost-irc/roost/internal/agent"
	"github.com/roost-irc/roost/internal/backlog"
	"github.com/roost-irc/roost/internal/buildinfo"
	"github.com/roost-irc/roost/internal/config"
	"github.com/roost-irc/roost/internal/llm"
	"github.com/roost-irc/roost/internal/logstore"
	"github.com/roost-irc/roost/internal/search"
	"github.com/roost-irc/roost/internal/session"
	"github.com/roost-irc/roost/internal/tools"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle can be driven from tests without touching os.Exit.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, args []string) error {
	var configPath, outputFmt, channel, nick string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-channel" && i+1 < len(args):
			channel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-channel="):
			channel = strings.TrimPrefix(args[i], "-channel=")
		case args[i] == "-nick" && i+1 < len(args):
			nick = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-nick="):
			nick = strings.TrimPrefix(args[i], "-nick=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "ask":
		if channel == "" || nick == "" || len(cmdArgs) == 0 {
			return errors.New("usage: roost ask -channel <chan> -nick <nick> <question>")
		}
		return runAsk(ctx, stdout, configPath, channel, nick, strings.Join(cmdArgs, " "))
	case "log":
		if channel == "" || nick == "" || len(cmdArgs) == 0 {
			return errors.New("usage: roost log -channel <chan> -nick <nick> <message>")
		}
		return runLog(stdout, configPath, channel, nick, strings.Join(cmdArgs, " "))
	case "reset":
		if channel == "" {
			return errors.New("usage: roost reset -channel <chan>")
		}
		return runReset(stdout, configPath, channel)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runAsk processes one question for a channel and prints the reply
// chunks, one per line, the way they would be sent to the channel.
func runAsk(ctx context.Context, stdout io.Writer, configPath, channel, nick, question string) error {
	cfg, logger, err := boot(stdout, configPath)
	if err != nil {
		return err
	}

	mgr, closeAll, err := wire(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAll()

	chunks, err := mgr.Ask(ctx, channel, nick, question)
	if err != nil {
		logger.Error("exchange failed", "channel", channel, "error", err)
		fmt.Fprintln(stdout, agent.UserMessage(err))
		return nil
	}
	mgr.Close()

	for _, chunk := range chunks {
		fmt.Fprintln(stdout, chunk)
	}
	return nil
}

// runLog appends one channel message to the message log. In a full
// deployment the chat gateway does this for every line it sees; the
// subcommand exists for scripting and testing.
func runLog(stdout io.Writer, configPath, channel, nick, text string) error {
	cfg, _, err := boot(stdout, configPath)
	if err != nil {
		return err
	}

	store, err := openLogStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Log(logstore.Message{
		Channel: channel,
		Nick:    nick,
		Text:    text,
		Kind:    logstore.KindMessage,
	})
}

// runReset clears a channel's conversation memory.
func runReset(stdout io.Writer, configPath, channel string) error {
	cfg, _, err := boot(stdout, configPath)
	if err != nil {
		return err
	}

	turns, err := session.OpenSQLite(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return err
	}
	defer turns.Close()

	if err := turns.Clear(channel); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "session for %s cleared\n", channel)
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Roost - conversational channel assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: roost [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask      Ask a question in a channel's session")
	fmt.Fprintln(w, "  log      Append a message to the channel log")
	fmt.Fprintln(w, "  reset    Clear a channel's conversation memory")
	fmt.Fprintln(w, "  version  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -channel <chan>   Target channel")
	fmt.Fprintln(w, "  -nick <nick>      Speaking nick")
	fmt.Fprintln(w, "  -o, --output fmt  Output format for version: text (default) or json")
	return nil
}

// boot loads configuration and builds the root logger.
func boot(stdout io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if level, err = config.ParseLogLevel(cfg.LogLevel); err != nil {
			return nil, nil, err
		}
	}
	logger := newLogger(os.Stderr, level)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	return cfg, logger, nil
}

// wire builds the full component graph for an exchange.
func wire(cfg *config.Config, logger *slog.Logger) (*agent.Manager, func(), error) {
	log, err := openLogStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	turns, err := session.OpenSQLite(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		log.Close()
		return nil, nil, err
	}

	items, err := backlog.NewStore(cfg.Backlog.Dir, cfg.Backlog.MaxOpen)
	if err != nil {
		log.Close()
		turns.Close()
		return nil, nil, err
	}

	var searchMgr *search.Manager
	if cfg.Search.SearXNG.URL != "" {
		searchMgr = search.NewManager("searxng")
		searchMgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
		logger.Info("web search enabled", "provider", "searxng")
	}

	feed := func(channel string, limit int) ([]logstore.Message, error) {
		return log.Recent(logstore.RecentQuery{Channel: channel, Limit: limit})
	}
	registry := tools.NewRegistry(log, items, searchMgr, feed, logger)

	client := llm.NewHTTPClient(llm.HTTPClientConfig{
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     time.Duration(cfg.Model.TimeoutSec) * time.Second,
		Retry:       llm.RetryPolicy{MaxAttempts: cfg.Model.MaxAttempts},
	}, logger)

	mgr := agent.New(client, registry, log, turns, cfg.Session, logger)

	closeAll := func() {
		turns.Close()
		log.Close()
	}
	return mgr, closeAll, nil
}

func openLogStore(cfg *config.Config) (*logstore.SQLite, error) {
	return logstore.OpenSQLite(filepath.Join(cfg.DataDir, "channels.db"))
}

// newLogger standardizes slog handler configuration: text output with
// the custom TRACE level rendered by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
