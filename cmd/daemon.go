package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikhilgarg28/delegate/internal/agent/stub"
	"github.com/nikhilgarg28/delegate/internal/apply"
	"github.com/nikhilgarg28/delegate/internal/config"
	"github.com/nikhilgarg28/delegate/internal/core/eventbus"
	"github.com/nikhilgarg28/delegate/internal/core/ids"
	"github.com/nikhilgarg28/delegate/internal/core/merge"
	"github.com/nikhilgarg28/delegate/internal/core/messagebus"
	"github.com/nikhilgarg28/delegate/internal/core/model"
	"github.com/nikhilgarg28/delegate/internal/core/resource"
	"github.com/nikhilgarg28/delegate/internal/core/scheduler"
	"github.com/nikhilgarg28/delegate/internal/core/store"
	"github.com/nikhilgarg28/delegate/internal/core/tracing"
	"github.com/nikhilgarg28/delegate/internal/core/workflow"
	"github.com/nikhilgarg28/delegate/internal/gitexec"
	"github.com/nikhilgarg28/delegate/internal/log"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the delegate daemon",
	Long: `Run the delegate daemon: boots the Store, EventBus, ResourceManager,
MessageBus, MergeWorker, WorkflowEngine, and TurnScheduler for one team and
keeps them running until interrupted.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := initLoggingIfDebug("delegate-daemon")
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	home := cfg.Home
	if home == "" {
		home = config.DefaultHome()
	} else if strings.HasPrefix(home, "~/") {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, home[2:])
		}
	}
	cfg.ResolvedHome = home
	if err := os.MkdirAll(cfg.ResolvedHome, 0o750); err != nil {
		return fmt.Errorf("creating home directory %s: %w", cfg.ResolvedHome, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPath := filepath.Join(cfg.ResolvedHome, cfg.Team.Name, "delegate.db")
	team, err := resolveTeam(ctx, dbPath, cfg.Team)
	if err != nil {
		return err
	}
	teamID := team.TeamID
	log.Info(log.CatConfig, "team ready", "team_id", teamID, "team_name", cfg.Team.Name)

	st, err := store.Open(dbPath, teamID)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	events := eventbus.New()
	defer events.Close()

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: "delegate-daemon",
	})
	if err != nil {
		return fmt.Errorf("starting tracing provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn(log.CatConfig, "tracing provider shutdown failed", "error", err.Error())
		}
	}()

	hosts := make(map[string]resource.GitHost, len(cfg.Repos))
	repoLayouts := make(map[string]resource.RepoLayout, len(cfg.Repos))
	mergeRepos := make(map[string]merge.RepoRef, len(cfg.Repos))
	for name, r := range cfg.Repos {
		hosts[name] = gitexec.New(r.MainPath)
		repoLayouts[name] = resource.RepoLayout{MainPath: r.MainPath, WorktreeRoot: r.WorktreeRoot}
		mergeRepos[name] = merge.RepoRef{MainPath: r.MainPath, TestCmd: r.TestCmd}
	}

	// ResourceManager drives git worktree lifecycle; it shares GitHost
	// instances with the MergeWorker since both act on the same checkouts.
	resources := resource.New(st, hosts, teamID, cfg.Team.Name, repoLayouts)
	if err := resources.Reconcile(ctx, teamID); err != nil {
		return fmt.Errorf("reconciling worktrees: %w", err)
	}

	bus := messagebus.New(st, events, teamID, func(_ context.Context, _, memberID string) bool {
		member, getErr := st.GetMember(ctx, teamID, memberID)
		if getErr != nil {
			return false
		}
		return member.Kind == model.KindHuman
	})
	go func() { _ = bus.Run(ctx) }()

	mergeWorker := merge.New(st, events, hosts, mergeRepos)
	mergeWorker.SetTracer(tracer.Tracer())
	go mergeWorker.Run(ctx)

	reg := workflow.NewRegistry()
	reg.Register(workflow.NewDefaultWorkflow(resources, mergeWorker))
	engine := workflow.New(reg, st, events, teamID, workflow.Config{})

	var adapter scheduler.AgentAdapter
	switch cfg.Agent.Adapter {
	case "", "stub":
		adapter = stub.New()
	default:
		return fmt.Errorf("unsupported agent.adapter %q", cfg.Agent.Adapter)
	}

	applier := apply.New(st, bus, engine)

	sched := scheduler.New(ctx, st, events, teamID, adapter, applier, scheduler.Config{
		ParallelismCap: cfg.Parallelism.Cap,
		GracePeriod:    cfg.Timeouts.TurnGrace,
	})
	sched.SetTracer(tracer.Tracer())

	// Every delivery sweep wakes the recipient's turn: the scheduler's own
	// debounce collapses a burst of deliveries into a single dispatch.
	bus.SetOnDelivered(func(agent string) {
		sched.Trigger(ctx, agent, scheduler.TriggerMessage)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("delegate daemon started for team %q (%s)\n", cfg.Team.Name, teamID)
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown)
	defer shutdownCancel()

	stopped := make(chan struct{})
	go func() {
		mergeWorker.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		log.Warn(log.CatMerge, "merge worker did not stop within shutdown timeout")
	}

	cancel()
	fmt.Println("daemon stopped")
	return nil
}

// resolveTeam opens the database at dbPath just long enough to find the
// named team or create it on first run, then hands back the resolved
// model.Team so the caller can reopen the Store with a known team id. Team
// lookup by name rather than id keeps the CLI's --team flag usable on a
// fresh home directory without the operator ever seeing a generated id.
func resolveTeam(ctx context.Context, dbPath string, cfg config.TeamConfig) (model.Team, error) {
	st, err := store.Open(dbPath, "")
	if err != nil {
		return model.Team{}, fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if cfg.ID != "" {
		return st.GetTeam(ctx, cfg.ID)
	}

	existing, err := st.FindTeamByName(ctx, cfg.Name)
	if err == nil {
		return existing, nil
	}

	teamID, err := ids.NewTeamID()
	if err != nil {
		return model.Team{}, fmt.Errorf("generating team id: %w", err)
	}
	team := model.Team{TeamID: teamID, Name: cfg.Name}
	if err := st.CreateTeam(ctx, team); err != nil {
		return model.Team{}, fmt.Errorf("creating team %q: %w", cfg.Name, err)
	}
	return team, nil
}
