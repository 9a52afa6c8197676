package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"modelprobe/internal/config"
	"modelprobe/internal/probe"
)

// options is the state shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
	logFormat  string

	// fs is the filesystem probed; nil means the host filesystem.
	fs  afero.Fs
	cfg config.Config
	log zerolog.Logger
}

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func buildRootCmd() *cobra.Command { return buildRootCmdWith(&options{}) }

// buildRootCmdWith constructs the command tree around o.
func buildRootCmdWith(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "modelprobe",
		Short:         "Identify, classify and catalogue generative-model artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", envStr("MODELPROBE_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error (defaults MODELPROBE_LOG_LEVEL or info)")
	root.PersistentFlags().StringVar(&o.logFormat, "log-format", "", "Log format: console|json")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return o.load(cmd.ErrOrStderr())
	}
	root.AddCommand(newProbeCmd(o), newSearchCmd(o), newServeCmd(o))
	return root
}

// load resolves the configuration. Later sources win: file, environment,
// flags.
func (o *options) load(logOut io.Writer) error {
	var cfg config.Config
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	cfg.Addr = envStr("MODELPROBE_ADDR", cfg.Addr)
	cfg.LogLevel = envStr("MODELPROBE_LOG_LEVEL", cfg.LogLevel)
	if roots := splitCSV(os.Getenv("MODELPROBE_ROOTS")); len(roots) > 0 {
		cfg.Roots = roots
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}
	o.cfg = cfg
	o.log = newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	return nil
}

func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func (o *options) newProber() (*probe.Prober, error) {
	return probe.New(probe.Config{
		Fs:     o.fs,
		Limits: o.cfg.ReaderLimits(),
		Hash:   o.cfg.HashOptions(),
		Logger: o.log,
	})
}
