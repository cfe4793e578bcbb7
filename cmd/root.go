package cmd

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/relay/internal/config"
	"github.com/zjrosen/relay/internal/log"
)

func init() {
	// Force lipgloss/termenv to query the terminal background BEFORE any
	// Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in the view.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Realtime sync for agent workspaces",
	Long: `Relay keeps terminal clients in sync with an agent workspace store.

serve runs the websocket sync server over a sqlite, postgres, or in-memory
store. watch opens a live TUI on one agent's event feed. seed fills the
store with demo data and can stream continuous activity into it.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .relay/config.yaml, then ~/.config/relay/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	// Bind flags to viper
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("store.driver", defaults.Store.Driver)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("store.watch", defaults.Store.Watch)
	viper.SetDefault("bridge.channel", defaults.Bridge.Channel)
	viper.SetDefault("bridge.initial_backoff", defaults.Bridge.InitialBackoff)
	viper.SetDefault("bridge.max_backoff", defaults.Bridge.MaxBackoff)
	viper.SetDefault("client.server_url", defaults.Client.ServerURL)
	viper.SetDefault("client.page_size", defaults.Client.PageSize)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .relay/config.yaml (current directory)
		// 2. ~/.config/relay/config.yaml (user config)
		if _, err := os.Stat(filepath.Join(".relay", "config.yaml")); err == nil {
			viper.SetConfigFile(filepath.Join(".relay", "config.yaml"))
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "relay"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .relay/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(".relay", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func debugEnabled() bool {
	return cfg.Debug || debugFlag || os.Getenv("RELAY_DEBUG") != ""
}

// initLogging turns on file logging when debug mode is enabled. TUI
// commands route through tea.LogToFile so stdout stays clean for the
// program.
func initLogging(tui bool) (func(), error) {
	if !debugEnabled() {
		return func() {}, nil
	}
	logPath := os.Getenv("RELAY_LOG")
	if logPath == "" {
		logPath = "relay-debug.log"
	}
	if tui {
		return log.InitWithTeaLog(logPath, "relay")
	}
	return log.Init(logPath)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
