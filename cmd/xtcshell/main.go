// Command xtcshell is an interactive shell over an embedded xtcdb engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/xtcdb/config"
	"github.com/sushant-115/xtcdb/core/engine"
	"github.com/sushant-115/xtcdb/pkg/logger"
	"github.com/sushant-115/xtcdb/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a YAML configuration file")
	dataDir    = flag.String("data_dir", "", "Data directory, overrides the configuration")
	logLevel   = flag.String("log_level", "", "Log level, overrides the configuration")
	metrics    = flag.Bool("metrics", false, "Serve Prometheus metrics on the configured port")
)

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *metrics {
		cfg.Telemetry.Enabled = true
	} else {
		cfg.Telemetry.PrometheusPort = 0
	}
	return cfg, cfg.Validate()
}

func completer() *readline.PrefixCompleter {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, name := range names {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

// interactive reads commands until exit or end of input.
func interactive(ctx context.Context, sh *shell, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "xtcdb> ",
		HistoryFile:     historyFile,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintln(sh.out, "xtcdb shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		if sh.tx != nil {
			rl.SetPrompt(fmt.Sprintf("xtcdb(tx %d)> ", sh.tx.ID()))
		} else {
			rl.SetPrompt("xtcdb> ")
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(ctx, strings.TrimSpace(line)); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	}
}

func run() error {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	zlogger, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %w", err)
	}
	defer func() { _ = zlogger.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx := context.Background()
	e, err := engine.Open(ctx, cfg, zlogger, tel)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	sh := &shell{e: e, out: os.Stdout}
	defer func() {
		if err := sh.close(); err != nil {
			zlogger.Warn("Rollback of open transaction failed", zap.Error(err))
		}
		if err := e.Close(ctx); err != nil {
			zlogger.Error("Engine close failed", zap.Error(err))
		}
	}()

	if flag.NArg() > 0 {
		err := sh.exec(ctx, strings.Join(flag.Args(), " "))
		if errors.Is(err, errQuit) {
			return nil
		}
		return err
	}
	return interactive(ctx, sh, filepath.Join(cfg.DataDir, ".xtcshell_history"))
}

func main() {
	log.SetFlags(0)
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
