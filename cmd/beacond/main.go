package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/embermesh/beacon/internal/logging"
	"github.com/embermesh/beacon/internal/statedir"
	"github.com/embermesh/beacon/pkg/config"
	"github.com/embermesh/beacon/pkg/control"
	"github.com/embermesh/beacon/pkg/engine"
	"github.com/embermesh/beacon/pkg/identity"
	"github.com/embermesh/beacon/pkg/overlay"
)

func main() {
	rootCmd := &cobra.Command{Use: "beacond"}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a beacon node",
		Run:   runNode,
	}
	runCmd.Flags().String("listen", ":7946", "Listen address for peer connections")
	runCmd.Flags().StringSlice("peers", nil, "Static peer addresses to dial")
	runCmd.Flags().String("dir", "", "State directory override")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running node over its control socket",
		Run:   runStatus,
	}
	statusCmd.Flags().String("dir", "", "State directory override")

	rootCmd.AddCommand(runCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func runNode(cmd *cobra.Command, args []string) {
	if err := logging.Init(); err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S()

	listen, _ := cmd.Flags().GetString("listen")
	peers, _ := cmd.Flags().GetStringSlice("peers")
	dirOverride, _ := cmd.Flags().GetString("dir")

	stateDir, err := statedir.Ensure(dirOverride)
	if err != nil {
		logger.Fatal(err)
	}

	settings, err := config.Load(stateDir)
	if err != nil {
		logger.Fatal(err)
	}
	if listen != "" {
		settings.ListenAddr = listen
	}
	if len(peers) > 0 {
		settings.PeerAddrs = peers
	}
	if err := config.Save(stateDir, settings); err != nil {
		logger.Warnw("failed to persist settings", "error", err)
	}

	tunables, err := config.TunablesFromEnv()
	if err != nil {
		logger.Fatal(err)
	}

	id, err := identity.LoadOrGenerate(stateDir, tunables.PowDifficulty)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infow("identity ready", "id", id.ID.String())

	transport := overlay.NewTCPTransport(settings.ListenAddr, settings.PeerAddrs)

	eng, err := engine.New(id, tunables, transport)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, stopFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFunc()

	ctrlSrv := control.NewServer(eng)
	socketPath := filepath.Join(stateDir, statedir.SocketName)

	errCh := make(chan error, 2)
	go func() { errCh <- ctrlSrv.Serve(ctx, socketPath) }()
	go func() { errCh <- eng.Run(ctx) }()

	logger.Info("beacon node started")

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			logger.Errorw("subsystem exited with error", "error", err)
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) {
	dirOverride, _ := cmd.Flags().GetString("dir")
	stateDir, err := statedir.Ensure(dirOverride)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return
	}

	socketPath := filepath.Join(stateDir, statedir.SocketName)
	resp, err := control.NewClient(socketPath).Status(context.Background())
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return
	}

	renderStatus(cmd, resp)
}

func renderStatus(cmd *cobra.Command, resp control.Response) {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false)

	t.Row("NODE", resp.ID)
	t.Row("PEERS", fmt.Sprintf("%d (%d direct)", resp.Membership.Count, resp.Membership.Direct))
	t.Row("HEARTBEATS RX/RELAYED", fmt.Sprintf("%d/%d", resp.Diagnostics.HeartbeatsReceived, resp.Diagnostics.HeartbeatsRelayed))
	t.Row("INVALID POW/SIG", fmt.Sprintf("%d/%d", resp.Diagnostics.InvalidPoW, resp.Diagnostics.InvalidSig))
	t.Row("LEAVES SEEN", fmt.Sprintf("%d", resp.Diagnostics.LeaveMessages))

	if stats, err := processStats(); err == nil {
		t.Row("RSS", fmt.Sprintf("%d MiB", stats.rssBytes/(1024*1024)))
		t.Row("CPU", fmt.Sprintf("%.1f%%", stats.cpuPercent))
	}

	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if col == 0 {
			return sectionStyle
		}
		return dataStyle
	})

	fmt.Fprintln(cmd.OutOrStdout(), t)

	peerTable := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("PEER", "IP")
	for _, p := range resp.Membership.Peers {
		ip := p.IP
		if ip == "" {
			ip = "-"
		}
		peerTable.Row(p.ID, ip)
	}
	fmt.Fprintln(cmd.OutOrStdout(), peerTable)
}

type resourceStats struct {
	rssBytes   uint64
	cpuPercent float64
}

// processStats reports the current process's own resource usage so the
// status CLI can show a node operator how much the daemon is costing
// them, without needing a separate monitoring agent.
func processStats() (resourceStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return resourceStats{}, err
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		return resourceStats{}, err
	}

	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return resourceStats{}, err
	}

	return resourceStats{rssBytes: mem.RSS, cpuPercent: cpuPct}, nil
}
