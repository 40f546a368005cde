// Command twitcher is the supervisor daemon: it watches znodes in a
// ZooKeeper-compatible coordination service and executes a configured
// action on each change, one instance, one mode.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/liquidgecka/twitcher/internal/config"
	"github.com/liquidgecka/twitcher/internal/config/twcfile"
	"github.com/liquidgecka/twitcher/internal/eventloop"
	"github.com/liquidgecka/twitcher/internal/runner"
	"github.com/liquidgecka/twitcher/internal/zkmux"
)

// defaultSessionTimeout is the coordination-service session timeout
// negotiated at connect time.
const defaultSessionTimeout = 10 * time.Second

var (
	zkServers  string
	configPath string
	twcSuffix  string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "twitcher",
	Short: "watch znodes, run actions on change",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&zkServers, "zkservers", "", "HOST[:PORT][,HOST[:PORT]...] of the coordination service (required)")
	flags.StringVar(&configPath, "config-path", "", "directory of .twc configuration files (required)")
	flags.StringVar(&twcSuffix, "twc-suffix", ".twc", "filename suffix recognized as a config file")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	flags.StringVar(&logFormat, "log-format", "console", "console or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if zkServers == "" {
		return fmt.Errorf("twitcher: --zkservers is required")
	}
	if configPath == "" {
		return fmt.Errorf("twitcher: --config-path is required")
	}
	if info, err := os.Stat(configPath); err != nil || !info.IsDir() {
		return fmt.Errorf("twitcher: --config-path %q is not a readable directory", configPath)
	}

	logger, err := buildLogger(logLevel, logFormat)
	if err != nil {
		return fmt.Errorf("twitcher: building logger: %w", err)
	}
	defer logger.Sync()

	servers := zkmux.ParseServers(zkServers)
	if len(servers) == 0 {
		return fmt.Errorf("twitcher: --zkservers did not name any servers")
	}

	mux := zkmux.Dial(servers, defaultSessionTimeout, logger)
	defer mux.Close()

	var loop *eventloop.Loop
	onLaunch := func(sr *runner.Subprocess) {
		if loop != nil {
			loop.OnLaunch(sr)
		}
	}

	src := config.New(configPath, twcSuffix, mux, logger, onLaunch)
	src.SetParser(twcfile.Parse)

	loop, err = eventloop.New(src, logger)
	if err != nil {
		return fmt.Errorf("twitcher: building event loop: %w", err)
	}
	if err := loop.WatchRoot(configPath); err != nil {
		return fmt.Errorf("twitcher: watching %q: %w", configPath, err)
	}

	logger.Info("twitcher starting",
		zap.Strings("zkservers", servers), zap.String("config_path", configPath))
	loop.Run()
	return nil
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}
