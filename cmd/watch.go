package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/relay/internal/client"
	"github.com/zjrosen/relay/internal/config"
	"github.com/zjrosen/relay/internal/ui/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch <agent-id>",
	Short: "Watch one agent's event feed live",
	Long: `Open a live TUI on one agent's event feed.

The view follows new events as they arrive, highlights what changed in
the agent summary, and pages older history in with m. The connection
resubscribes and resnapshots automatically after a server restart.

Example:
  relay watch ag-builder --subject demo
  relay watch ag-builder --server ws://sync.internal:7070/ws --token s3cret`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchServer   string
	watchSubject  string
	watchToken    string
	watchPageSize int
	watchSave     bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchServer, "server", "", "server websocket URL (overrides config)")
	watchCmd.Flags().StringVarP(&watchSubject, "subject", "s", "", "subject to connect as (default: $USER)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "bearer token for servers that require auth")
	watchCmd.Flags().IntVar(&watchPageSize, "page-size", 0, "events per page (overrides config)")
	watchCmd.Flags().BoolVar(&watchSave, "save", false, "persist --server and --page-size to the config file")
}

func runWatch(_ *cobra.Command, args []string) error {
	agentID := args[0]

	cleanup, err := initLogging(true)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	if watchServer != "" {
		cfg.Client.ServerURL = watchServer
	}
	if watchPageSize > 0 {
		cfg.Client.PageSize = watchPageSize
	}
	if err := config.ValidateClient(cfg.Client); err != nil {
		return fmt.Errorf("invalid client configuration: %w", err)
	}

	if watchSave {
		path := viper.ConfigFileUsed()
		if path == "" {
			path = filepath.Join(".relay", "config.yaml")
		}
		if err := config.SaveClient(path, cfg.Client); err != nil {
			return fmt.Errorf("saving client settings: %w", err)
		}
	}

	subject := watchSubject
	if subject == "" {
		subject = os.Getenv("USER")
	}
	if subject == "" {
		return fmt.Errorf("no subject: pass --subject or set $USER")
	}

	header := http.Header{}
	header.Set("X-Relay-Subject", subject)
	if watchToken != "" {
		header.Set("Authorization", "Bearer "+watchToken)
	}

	transport := client.NewWSTransport(client.TransportConfig{
		URL:    cfg.Client.ServerURL,
		Header: header,
	})
	c := client.New(client.Config{Transport: transport, PageSize: cfg.Client.PageSize})
	c.Start(context.Background())
	defer func() { _ = c.Close() }()

	model, err := watch.New(watch.Config{
		Client:  c,
		AgentID: agentID,
		Limit:   cfg.Client.PageSize,
		Debug:   debugEnabled(),
	})
	if err != nil {
		return fmt.Errorf("opening watch view: %w", err)
	}

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()

	// Clean up subscriptions after the program exits
	model.Close()

	if err != nil {
		return fmt.Errorf("running program: %w", err)
	}
	return nil
}
