package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/jdliaw/aplustree/config"
	"github.com/jdliaw/aplustree/core/sqlengine"
	"github.com/jdliaw/aplustree/pkg/logger"
	"github.com/jdliaw/aplustree/pkg/telemetry"
)

const historyFile = ".aplustree_history"

type session struct {
	engine *sqlengine.Engine
	out    io.Writer
}

// processCommand runs one input line. It reports whether the session should end.
func (s *session) processCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  LOAD <table> FROM '<file>' [WITH INDEX]")
		fmt.Fprintln(s.out, "  SELECT key|value|*|COUNT(*) FROM <table> [WHERE <cond> [AND <cond>]...]")
		fmt.Fprintln(s.out, "  stats <table>")
		fmt.Fprintln(s.out, "  help")
		fmt.Fprintln(s.out, "  exit / quit")
		return false
	case "stats":
		if len(fields) != 2 {
			fmt.Fprintln(s.out, "Error: stats requires <table>.")
			return false
		}
		s.printStats(fields[1])
		return false
	}

	cmd, err := sqlengine.Parse(line)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return false
	}
	if _, ok := cmd.(*sqlengine.QuitCommand); ok {
		return true
	}
	if err := s.engine.Execute(ctx, cmd, s.out); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

func (s *session) printStats(table string) {
	stats, err := s.engine.IndexStats(table)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "root page: %d\n", stats.RootPageID)
	fmt.Fprintf(s.out, "height:    %d\n", stats.Height)
	fmt.Fprintf(s.out, "max keys:  %d\n", stats.MaxKeys)
	fmt.Fprintf(s.out, "pages:     %d\n", stats.Pages)
	fmt.Fprintf(s.out, "entries:   %d\n", stats.Entries())
	for i, level := range stats.Levels {
		fmt.Fprintf(s.out, "level %d: %d nodes, %d keys\n", i, level.Nodes, level.Keys)
	}
}

func (s *session) interactive(ctx context.Context, dataDir string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "aplustree> ",
		HistoryFile:     filepath.Join(dataDir, historyFile),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	fmt.Fprintln(s.out, "aplustree CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
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
		if s.processCommand(ctx, line) {
			return nil
		}
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	dataDir := flag.String("dir", "", "data directory, overrides data_dir from the config")
	oneShot := flag.String("e", "", "execute a single command and exit")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.Addr != "" {
		log.Info("serving metrics", zap.String("addr", tel.Addr))
	}

	engine, err := sqlengine.New(cfg.DataDir,
		sqlengine.WithPageSize(cfg.PageSize),
		sqlengine.WithMaxKeys(cfg.MaxKeys),
		sqlengine.WithLoadRateLimit(cfg.LoadRateLimit),
		sqlengine.WithLogger(log),
		sqlengine.WithTracer(tel.Tracer),
		sqlengine.WithMeter(tel.Meter),
	)
	if err != nil {
		return err
	}

	s := &session{engine: engine, out: os.Stdout}
	ctx := context.Background()
	if *oneShot != "" {
		s.processCommand(ctx, *oneShot)
		return nil
	}
	return s.interactive(ctx, cfg.DataDir)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
