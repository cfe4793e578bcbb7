package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/config"
	"github.com/zjrosen/relay/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the store with demo data",
	Long: `Create a demo project with two agents and a starter feed in the
configured store, then optionally keep appending events so watch sessions
have something to follow. Seeding an already seeded store reuses the
existing project and agents.

Example:
  relay seed                        # seed once and exit
  relay seed --stream               # seed, then append events until Ctrl+C
  relay seed --stream --interval 500ms`,
	RunE: runSeed,
}

var (
	seedStream   bool
	seedInterval time.Duration
	seedOwner    string
)

func init() {
	rootCmd.AddCommand(seedCmd)

	seedCmd.Flags().BoolVar(&seedStream, "stream", false, "keep appending demo events after seeding")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 2*time.Second, "delay between streamed events")
	seedCmd.Flags().StringVar(&seedOwner, "owner", "demo", "owner subject for the demo project")
}

func runSeed(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging(false)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	if err := config.ValidateStore(cfg.Store); err != nil {
		return fmt.Errorf("invalid store configuration: %w", err)
	}

	ctx := context.Background()
	b := bus.New()
	// No watcher here: seed is the writer, a serving process observes.
	backend, pub, stopBackend, err := openBackend(ctx, b, false)
	if err != nil {
		return err
	}
	defer stopBackend()

	st := store.New(backend, pub)

	builderID, reviewerID, err := seedWorkspace(ctx, st, backend)
	if err != nil {
		return err
	}

	fmt.Printf("seeded project for owner %q\n", seedOwner)
	fmt.Printf("  agents: %s, %s\n", builderID, reviewerID)
	fmt.Printf("  watch with: relay watch %s --subject %s\n", builderID, seedOwner)
	if cfg.Store.Driver == "memory" {
		fmt.Println("note: the memory store lives in this process only; serve cannot see it")
	}

	if !seedStream {
		return nil
	}
	return streamEvents(ctx, st, builderID, reviewerID)
}

// seedWorkspace creates the demo project and agents, or finds them when a
// previous run already did.
func seedWorkspace(ctx context.Context, st *store.Store, backend store.Backend) (string, string, error) {
	const projectName = "Demo Workspace"

	var project store.Project
	existing, err := backend.ProjectsForOwner(ctx, seedOwner)
	if err != nil {
		return "", "", fmt.Errorf("listing projects: %w", err)
	}
	for _, p := range existing {
		if p.Name == projectName {
			project = p
			break
		}
	}
	if project.ID == "" {
		project, err = st.CreateProject(ctx, seedOwner, projectName)
		if err != nil {
			return "", "", fmt.Errorf("creating project: %w", err)
		}
	}

	agents, err := backend.AgentsForProject(ctx, project.ID)
	if err != nil {
		return "", "", fmt.Errorf("listing agents: %w", err)
	}
	var builder, reviewer store.Agent
	for _, a := range agents {
		switch a.Name {
		case "builder":
			builder = a
		case "reviewer":
			reviewer = a
		}
	}

	if builder.ID == "" {
		builder, err = st.CreateAgent(ctx, project.ID, "builder")
		if err != nil {
			return "", "", fmt.Errorf("creating builder: %w", err)
		}
		if _, err := st.SetAgentStatus(ctx, builder.ID, store.StatusRunning); err != nil {
			return "", "", fmt.Errorf("setting builder status: %w", err)
		}
		for _, ev := range starterFeed(builder.ID) {
			if _, err := st.AppendAgentEvent(ctx, ev); err != nil {
				return "", "", fmt.Errorf("appending starter event: %w", err)
			}
		}
	}
	if reviewer.ID == "" {
		reviewer, err = st.CreateAgent(ctx, project.ID, "reviewer")
		if err != nil {
			return "", "", fmt.Errorf("creating reviewer: %w", err)
		}
		if _, err := st.SetAgentStatus(ctx, reviewer.ID, store.StatusWaiting); err != nil {
			return "", "", fmt.Errorf("setting reviewer status: %w", err)
		}
	}

	return builder.ID, reviewer.ID, nil
}

func starterFeed(agentID string) []store.AppendEvent {
	return []store.AppendEvent{
		{AgentID: agentID, Kind: store.KindPrompt,
			Body: "Fix the flaky websocket test\n\n- reproduce with `-race`\n- bisect the shutdown path"},
		{AgentID: agentID, Kind: store.KindStatus, Body: "running tests"},
		{AgentID: agentID, Kind: store.KindCommit, Body: "server: close race in hub shutdown"},
	}
}

// streamEvents appends demo activity until interrupted. Kinds rotate so
// every render path in the watch TUI sees traffic.
func streamEvents(ctx context.Context, st *store.Store, builderID, reviewerID string) error {
	fmt.Printf("streaming events every %s, Ctrl+C to stop\n", seedInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(seedInterval)
	defer ticker.Stop()

	for i := 1; ; i++ {
		select {
		case <-sigCh:
			fmt.Println("\nstopped")
			return nil
		case <-ticker.C:
		}

		if _, err := st.AppendAgentEvent(ctx, nextStreamEvent(builderID, i)); err != nil {
			return fmt.Errorf("appending event: %w", err)
		}
		if i%9 == 0 {
			status := store.StatusWaiting
			if i%18 == 0 {
				status = store.StatusRunning
			}
			if _, err := st.SetAgentStatus(ctx, builderID, status); err != nil {
				return fmt.Errorf("setting status: %w", err)
			}
		}
		if i%13 == 0 {
			if _, err := st.AppendAgentEvent(ctx, store.AppendEvent{
				AgentID: reviewerID, Kind: store.KindStatus,
				Body: fmt.Sprintf("reviewing change %d", i),
			}); err != nil {
				return fmt.Errorf("appending event: %w", err)
			}
		}
	}
}

func nextStreamEvent(agentID string, i int) store.AppendEvent {
	ev := store.AppendEvent{AgentID: agentID, RequestID: uuid.NewString()}
	switch {
	case i%11 == 0:
		ev.Kind = store.KindError
		ev.Body = "\x1b[31mFAIL\x1b[0m relay/internal/server TestHubShutdown (0.42s)"
	case i%7 == 0:
		ev.Kind = store.KindPrompt
		ev.Body = fmt.Sprintf("Investigate slow subscription %d\n\n- profile the fanout path\n- check `sendBuffer` sizing", i)
	case i%5 == 0:
		ev.Kind = store.KindCommit
		ev.Body = fmt.Sprintf("server: tune fanout batching (round %d)", i)
	default:
		ev.Kind = store.KindStatus
		ev.Body = fmt.Sprintf("working on step %d", i)
	}
	return ev
}
