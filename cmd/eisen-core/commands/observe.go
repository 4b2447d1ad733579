package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/eisen-labs/eisen-core/internal/broadcast"
	"github.com/eisen-labs/eisen-core/internal/config"
	"github.com/eisen-labs/eisen-core/internal/extractor"
	"github.com/eisen-labs/eisen-core/internal/logging"
	"github.com/eisen-labs/eisen-core/internal/proxy"
	"github.com/eisen-labs/eisen-core/internal/registry"
	"github.com/eisen-labs/eisen-core/internal/session"
	"github.com/eisen-labs/eisen-core/internal/tick"
	"github.com/eisen-labs/eisen-core/internal/wire"
	"github.com/eisen-labs/eisen-core/internal/zone"
)

var (
	observePort      int
	observeAgentID   string
	observeSessionID string
	observeDir       string
	observeZones     []string
	observeDenies    []string
)

var observeCmd = &cobra.Command{
	Use:   "observe --agent-id <id> [flags] -- <agent-cmd> [agent-args...]",
	Short: "Proxy an ACP agent and broadcast its file activity",
	Long: `Spawn the agent command, relay ACP between it and the host on stdio,
and serve activity snapshots and deltas to UI clients over TCP.

A port of 0 requests an ephemeral allocation; the chosen port is
announced once on stderr as "eisen-core tcp port: <N>".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runObserve,
}

func init() {
	observeCmd.Flags().IntVarP(&observePort, "port", "p", 0, "TCP port for UI clients (0 for ephemeral)")
	observeCmd.Flags().StringVar(&observeAgentID, "agent-id", "", "Agent identity for the session key")
	observeCmd.Flags().StringVar(&observeSessionID, "session-id", "", "Session identity (generated when omitted)")
	observeCmd.Flags().StringVar(&observeDir, "directory", "", "Workspace root (defaults to the working directory)")
	observeCmd.Flags().StringArrayVar(&observeZones, "zone", nil, "Allow glob (repeatable)")
	observeCmd.Flags().StringArrayVar(&observeDenies, "deny", nil, "Deny glob (repeatable)")
	observeCmd.MarkFlagRequired("agent-id")
}

func runObserve(cmd *cobra.Command, args []string) error {
	workDir := observeDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
	}

	zoneCfg, err := loadZoneConfig(workDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("creating data directories: %w", err)
	}

	reg, err := registry.Load(paths.SessionRegistryPath())
	if err != nil {
		return err
	}

	sessionID := observeSessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}
	key := wire.SessionKey{AgentID: observeAgentID, SessionID: sessionID}

	if _, err := reg.Create(key, wire.ModeSingleAgent); err != nil {
		logging.Warn().Err(err).Msg("session registration did not persist")
	}
	if err := reg.SetActive(key); err != nil {
		logging.Warn().Err(err).Msg("setting active session did not persist")
	}

	hub := session.NewHub(reg, workDir, session.Options{})

	srv := broadcast.NewServer(hub)
	hub.RegisterRPC(srv)
	if err := srv.Listen(observePort); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "eisen-core tcp port: %d\n", srv.Port())

	driver := tick.NewDriver(hub, srv)
	hub.SetOnActivity(driver.Kick)

	tr := hub.EnsureTracker(key)
	ext := extractor.New(workDir, extractor.Options{})

	p, err := proxy.New(proxy.Config{
		AgentCommand: args,
		WorkDir:      workDir,
		Zone:         zoneCfg,
		Extractor:    ext,
		Tracker:      tr,
		Publisher:    srv,
		OnSessionLearned: func(learned string) {
			adopted := hub.AdoptSessionID(key, learned)
			logging.Info().Str("session_id", adopted.SessionID).Msg("adopted agent session id")
		},
		OnTurnEnd: func(summary string) {
			hub.RecordTurn(tr, summary)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()
	go driver.Run(ctx)

	runErr := p.Run(ctx)

	cancel()
	if err := <-serveDone; err != nil {
		logging.Warn().Err(err).Msg("broadcast server exited with error")
	}

	if runErr != nil {
		return runErr
	}
	exitCode = p.ExitCode()
	return nil
}

// loadZoneConfig merges the repeatable --zone/--deny flags with the
// optional checked-in zone file.
func loadZoneConfig(workDir string) (zone.Config, error) {
	zf, err := config.LoadZoneFile(config.GlobalZoneConfigPath(workDir))
	if err != nil {
		return zone.Config{}, err
	}

	allow := append(append([]string{}, zf.Allow...), observeZones...)
	deny := append(append([]string{}, zf.Deny...), observeDenies...)

	cfg, err := zone.NewConfig(allow, deny)
	if err != nil {
		return zone.Config{}, err
	}
	return cfg, nil
}
