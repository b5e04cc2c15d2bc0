// Package cli holds the sprintloop cobra commands and the wiring that
// assembles the services they drive.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nidhogg/sprintloop/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConfigPath is used when neither --config nor CONFIG_PATH is set.
const DefaultConfigPath = "configs/sprintloop.json"

// options carry the flags shared by every command.
type options struct {
	configPath string
	logLevel   string
	// logger, when set, replaces the development logger (tests).
	logger *zap.Logger
}

// Execute runs the root command.
func Execute() {
	_ = godotenv.Load()
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "sprintloop",
		Short:         "Agent loops, workflows and a parallel agent pool over a capability-checked tool registry",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to JSON configuration file (default $CONFIG_PATH or "+DefaultConfigPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides server.log_level)")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newWorkflowCmd(opts),
		newToolsCmd(opts),
	)
	return root
}

// loadConfig resolves the config path. A missing default file yields the
// built-in defaults; a missing explicit file is an error.
func (o *options) loadConfig() (*config.Config, error) {
	path := o.configPath
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil && !explicit {
		return config.Default(), nil
	}
	return config.Load(path)
}

func (o *options) newLogger(cfg *config.Config) (*zap.Logger, error) {
	if o.logger != nil {
		return o.logger, nil
	}
	level := cfg.Server.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	zc := zap.NewDevelopmentConfig()
	if level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(l)
	}
	return zc.Build()
}
