// Package main is the entry point for the delegate daemon. delegated
// runs the orchestration core for one team: message delivery, turn
// scheduling, the task workflow, and the merge pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/agent"
	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/common/tracing"
	"github.com/delegate-dev/delegate/internal/daemon"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/taskdesc"
	"github.com/delegate-dev/delegate/internal/team"
)

var (
	configFlag  = flag.String("config", "", "config file directory")
	teamFlag    = flag.String("team", "", "team id to run")
	initFlag    = flag.String("init-team", "", "create a new team with this name, then run it")
	charterFlag = flag.String("charter", "", "charter for the new team")
	agentFlag   = flag.String("agent-cmd", "", "command that runs one agent turn (JSON over stdin/stdout)")
	importFlag  = flag.String("import", "", "task descriptor YAML to import at startup")
	membersFlag = flag.String("members", "", "comma-separated name:kind:role entries to ensure at startup (e.g. carol:human:manager,alice:agent:manager)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	tracing.Configure(cfg.Tracing.Enabled, cfg.Tracing.Endpoint)

	if err := run(cfg, log); err != nil {
		log.Fatal("Daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	teamID := *teamFlag
	if *initFlag != "" {
		id, err := daemon.CreateTeam(ctx, cfg, *initFlag, *charterFlag, log)
		if err != nil {
			return fmt.Errorf("create team: %w", err)
		}
		fmt.Println(id)
		if teamID == "" {
			teamID = id
		}
	}
	if teamID == "" {
		return fmt.Errorf("no team: pass -team or -init-team")
	}
	if *agentFlag == "" {
		return fmt.Errorf("no agent command: pass -agent-cmd")
	}

	d, err := daemon.New(cfg, teamID, agent.NewExecAdapter(*agentFlag, log), log)
	if err != nil {
		return err
	}

	if *membersFlag != "" {
		if err := ensureMembers(ctx, d.Store(), *membersFlag); err != nil {
			d.Stop()
			return fmt.Errorf("ensure members: %w", err)
		}
	}

	if err := d.Start(ctx); err != nil {
		d.Stop()
		return err
	}

	if *importFlag != "" {
		if err := importDescriptor(ctx, d, *importFlag); err != nil {
			log.Error("Task import failed",
				zap.String("path", *importFlag),
				zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	d.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	return nil
}

// ensureMembers adds any missing roster entries from a comma-separated
// list of name:kind:role specs. Existing members are left untouched, so
// the flag is safe to keep on restart command lines.
func ensureMembers(ctx context.Context, st *store.Store, spec string) error {
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return fmt.Errorf("invalid member entry %q: want name:kind:role", entry)
		}
		name := parts[0]
		kind := team.MemberKind(parts[1])
		if kind != team.KindAgent && kind != team.KindHuman {
			return fmt.Errorf("invalid member kind %q for %s", parts[1], name)
		}
		role := team.MemberRole(parts[2])
		if role != team.RoleManager && role != team.RoleWorker && role != team.RoleReviewer {
			return fmt.Errorf("invalid member role %q for %s", parts[2], name)
		}
		if _, err := st.GetMember(ctx, name); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		m := &team.Member{Name: name, Kind: kind, Role: role}
		if err := st.AddMember(ctx, m); err != nil {
			return fmt.Errorf("add member %s: %w", name, err)
		}
	}
	return nil
}

// importDescriptor seeds a task from a descriptor file and registers
// the repos it names, so the merge pipeline picks up each repo's test
// command.
func importDescriptor(ctx context.Context, d *daemon.Daemon, path string) error {
	desc, err := taskdesc.ParseFile(path)
	if err != nil {
		return err
	}
	for _, rs := range desc.RepoSetup {
		if err := d.Store().UpsertRepo(ctx, rs.Name, rs.TestCmd); err != nil {
			return fmt.Errorf("register repo %s: %w", rs.Name, err)
		}
	}
	task := &store.Task{
		Title:       desc.Title,
		Description: desc.Description,
		Status:      store.StatusTodo,
		Repos:       desc.Repos(),
	}
	return d.Engine().CreateTask(ctx, task, "system")
}
