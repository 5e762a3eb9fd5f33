// Package cmd provides the midirouted command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/g960059/midiroute/internal/config"
)

var (
	version   string
	gitCommit string
)

var rootCmd = &cobra.Command{
	Use:   "midirouted",
	Short: "MIDI routing daemon",
	Long: `midirouted ingests MIDI from hardware and loopback endpoints,
evaluates per-route filters and forwards matching messages with low latency.
Operators drive it through the midiroute CLI over the control socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records the build metadata from main.
func SetVersionInfo(ver, commit string) {
	version = ver
	gitCommit = commit
	rootCmd.Version = fmt.Sprintf("%s (%s)", ver, commit)
}

func init() {
	defaults := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.String("socket", defaults.SocketPath, "control socket path")
	flags.String("db", defaults.DBPath, "message archive path")
	flags.String("profiles", defaults.ProfilePath, "routing profile document path")
	flags.String("loopbacks", defaults.LoopbackPath, "loopback endpoint document path")
	flags.Duration("debounce", defaults.DebounceDelay, "hot-plug reconcile debounce")
	flags.Int("sysex-max", defaults.SysExMaxBytes, "maximum accepted SysEx size in bytes")
	flags.Bool("no-archive", false, "disable the sqlite message archive")
	flags.Bool("background", false, "run without the desktop shell collaborator")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (json, text)")

	for _, name := range []string{"socket", "db", "profiles", "loopbacks", "debounce", "sysex-max", "no-archive", "background", "log-level", "log-format"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("MIDIROUTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func daemonConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.SocketPath = viper.GetString("socket")
	cfg.DBPath = viper.GetString("db")
	cfg.ProfilePath = viper.GetString("profiles")
	cfg.LoopbackPath = viper.GetString("loopbacks")
	cfg.DebounceDelay = viper.GetDuration("debounce")
	cfg.SysExMaxBytes = viper.GetInt("sysex-max")
	cfg.ArchiveEnabled = !viper.GetBool("no-archive")
	return cfg
}

func setupLogger() error {
	var level slog.Level
	switch strings.ToLower(viper.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", viper.GetString("log-level"))
	}
	var writer io.Writer = os.Stderr
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(viper.GetString("log-format")) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
