package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/web/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "cancel TASK",
		Short: "Cancel a running task (requires agent-queue serve)",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	})

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the agent usage-limit state (requires agent-queue serve)",
		RunE:  runUsage,
	}
	usageCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear the usage-limit pause",
		RunE:  runUsageClear,
	})
	rootCmd.AddCommand(usageCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:       "autoplay [on|off]",
		Short:     "Show or switch auto-play (requires agent-queue serve)",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE:      runAutoPlay,
	})
}

// remoteError turns a transport failure into a hint to start the server
func remoteError(cfg *config.Config, err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return fmt.Errorf("cannot reach agent-queue serve at %s: %w", serverURL(cfg), err)
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	task, err := findTask(store, args[0])
	store.Close()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()
	resp, err := apiClient(cfg).Action(ctx, task.ID, "cancel", nil)
	if err != nil {
		return remoteError(cfg, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), cancelMessage(resp))
	return nil
}

// cancelMessage reports a cancel request. The process stops asynchronously,
// so the returned status is usually still running.
func cancelMessage(resp api.TaskResponse) string {
	if resp.Status.IsExecuting() {
		return fmt.Sprintf("Cancel requested for %s (%s)", shortID(resp.ID), colorStatus(resp.Status))
	}
	return fmt.Sprintf("Task %s is %s", shortID(resp.ID), colorStatus(resp.Status))
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()
	state, err := apiClient(cfg).Usage(ctx)
	if err != nil {
		return remoteError(cfg, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeUsage(state, time.Now()))
	return nil
}

func runUsageClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()
	state, err := apiClient(cfg).ClearUsage(ctx)
	if err != nil {
		return remoteError(cfg, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeUsage(state, time.Now()))
	return nil
}

func describeUsage(s domain.UsageLimitState, now time.Time) string {
	if !s.IsPaused || s.Expired(now) {
		return color.GreenString("Usage: available")
	}
	msg := "Usage: paused"
	if s.Reason != "" {
		msg += " (" + s.Reason + ")"
	}
	if s.ResumeAt != nil {
		msg += ", resumes " + humanize.Time(*s.ResumeAt)
	} else {
		msg += ", until cleared"
	}
	if s.TriggeredByTaskID != "" {
		msg += ", triggered by " + shortID(s.TriggeredByTaskID)
	}
	return color.YellowString(msg)
}

func runAutoPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(cmd)
	defer cancel()
	client := apiClient(cfg)

	var enabled bool
	var window string
	if len(args) == 0 {
		st, err := client.Status(ctx)
		if err != nil {
			return remoteError(cfg, err)
		}
		enabled, window = st.AutoPlay.Enabled, st.AutoPlay.Window
	} else {
		var want bool
		switch args[0] {
		case "on":
			want = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		resp, err := client.SetAutoPlay(ctx, want)
		if err != nil {
			return remoteError(cfg, err)
		}
		enabled, window = resp.Enabled, resp.Window
	}

	state := color.RedString("off")
	if enabled {
		state = color.GreenString("on")
	}
	if window != "" {
		state += " (window " + window + ")"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Auto-play: %s\n", state)
	return nil
}
