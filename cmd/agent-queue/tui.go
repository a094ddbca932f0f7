package main

import (
	"context"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/tui"
	"github.com/hochfrequenz/agent-queue/web/api"
	"github.com/spf13/cobra"
)

var tuiRefresh time.Duration

func init() {
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Interactive dashboard (requires agent-queue serve)",
		RunE:  runTUI,
	}
	tuiCmd.Flags().DurationVar(&tuiRefresh, "refresh", time.Second, "refresh interval")
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := apiClient(cfg)

	// fail before entering the alt screen when nothing is listening
	ctx, cancel := requestContext(cmd)
	defer cancel()
	if _, err := client.Status(ctx); err != nil {
		return remoteError(cfg, err)
	}
	return tui.Run(&remoteBackend{client: client, timeout: 5 * time.Second}, tuiRefresh)
}

// remoteBackend serves the dashboard from a running agent-queue serve
type remoteBackend struct {
	client  *api.Client
	timeout time.Duration
}

func (b *remoteBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

func (b *remoteBackend) Snapshot() (tui.Snapshot, error) {
	ctx, cancel := b.ctx()
	defer cancel()

	status, err := b.client.Status(ctx)
	if err != nil {
		return tui.Snapshot{}, err
	}
	resp, err := b.client.Tasks(ctx)
	if err != nil {
		return tui.Snapshot{}, err
	}
	handles, err := b.client.Handles(ctx)
	if err != nil {
		return tui.Snapshot{}, err
	}

	tasks := make([]*domain.Task, len(resp))
	for i, r := range resp {
		tasks[i] = r.ToTask()
	}
	return tui.Snapshot{
		Tasks:         tasks,
		Handles:       handles,
		AutoPlay:      status.AutoPlay.Enabled,
		Window:        status.AutoPlay.Window,
		Usage:         status.Usage,
		MaxConcurrent: status.MaxConcurrent,
	}, nil
}

func (b *remoteBackend) Start(taskID string) error {
	return b.action(taskID, "start")
}

func (b *remoteBackend) Cancel(taskID string) error {
	return b.action(taskID, "cancel")
}

func (b *remoteBackend) action(taskID, action string) error {
	ctx, cancel := b.ctx()
	defer cancel()
	_, err := b.client.Action(ctx, taskID, action, nil)
	return err
}

func (b *remoteBackend) SetAutoPlay(enabled bool) error {
	ctx, cancel := b.ctx()
	defer cancel()
	_, err := b.client.SetAutoPlay(ctx, enabled)
	return err
}
