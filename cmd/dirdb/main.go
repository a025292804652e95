// Package main is the entry point for the dirdb shell.
//
// dirdb opens a database under a root directory and runs store commands
// against it: interactively with line editing when stdin is a terminal,
// line by line when stdin is a pipe, or as a single shot when a command is
// passed as arguments. Configuration is read from CLI flags and an
// optional dirdb.yml file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/dirdb"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "dirdb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	root := flag.String("root", "./data", "Storage root directory")
	database := flag.String("db", "", "Logical database name (default \"default\")")
	configPath := flag.String("config", "", "Path to a YAML config file (default dirdb.yml if present)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	compress := flag.Bool("compress", false, "Write snappy-compressed payloads")
	history := flag.Bool("history", false, "Snapshot the database after every mutating command")
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}

	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// Drop zero-valued attributes.
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	// The config file fills only flags not set explicitly on the command line.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if !set["root"] && cfg.Root != "" {
		*root = cfg.Root
	}
	if !set["db"] && cfg.Database != "" {
		*database = cfg.Database
	}
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["compress"] && cfg.Compress {
		*compress = true
	}
	if !set["history"] && cfg.History {
		*history = true
	}

	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	var opts []dirdb.Option
	if *compress {
		opts = append(opts, dirdb.WithCompression())
	}
	db, err := dirdb.Open(*root, *database, opts...)
	if err != nil {
		return err
	}
	slog.Debug("Opened database", "path", db.Path())

	s := &session{db: db, out: os.Stdout, autoSnapshot: *history}
	if args := flag.Args(); len(args) > 0 {
		// Single-shot mode: run one command and exit.
		_, err := s.execute(strings.Join(args, " "))
		return err
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return runREPL(s, *root)
	}
	return runScript(s, os.Stdin)
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("dirdb %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
