package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hochfrequenz/agent-queue/internal/broadcast"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/spf13/cobra"
)

var runQuiet bool

func init() {
	runCmd := &cobra.Command{
		Use:   "run TASK",
		Short: "Run a queued or paused task in the foreground",
		Long: `Run starts a single task in this process and streams the agent output until
the task finishes. Ctrl-C cancels the task. Do not use it for tasks that a
running agent-queue serve may pick up.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not stream agent output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	task, err := findTask(eng.store, args[0])
	if err != nil {
		return err
	}

	// output may drop under load; status changes get their own subscription
	status := eng.bus.SubscribeBuffered(broadcast.TopicTaskStatusChanged, 64)
	defer eng.bus.Unsubscribe(status)
	output := eng.bus.SubscribeBuffered(broadcast.TopicTaskOutput, 1024)
	defer eng.bus.Unsubscribe(output)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch task.Status {
	case domain.StatusQueued:
		err = eng.tasks.Start(ctx, task.ID)
	case domain.StatusPaused:
		err = eng.tasks.Resume(ctx, task.ID)
	default:
		return fmt.Errorf("task %s is %s; only queued or paused tasks can be run", shortID(task.ID), task.Status)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "Running %s %s\n", shortID(task.ID), task.DisplayTitle())

	final, err := followTask(ctx, status, output, task.ID, func(o broadcast.TaskOutput) {
		if !runQuiet {
			fmt.Fprintln(out, o.Entry.Text())
		}
	})
	if err != nil {
		// interrupted: cancel the process and wait for the terminal status
		fmt.Fprintln(errOut, "Cancelling...")
		if _, cerr := eng.tasks.Cancel(task.ID); cerr != nil {
			return cerr
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.KillGracePeriod.Duration+10*time.Second)
		defer cancel()
		final, err = followTask(waitCtx, status, nil, task.ID, nil)
		if err != nil {
			return fmt.Errorf("task did not stop: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.tasks.Shutdown(shutdownCtx); err != nil {
		return err
	}

	fmt.Fprintf(errOut, "Task %s is %s", shortID(task.ID), colorStatus(final.To))
	if final.Task != nil && final.Task.ErrorMessage != "" {
		fmt.Fprintf(errOut, ": %s", final.Task.ErrorMessage)
	}
	fmt.Fprintln(errOut)
	if final.To == domain.StatusFailed {
		return fmt.Errorf("task failed")
	}
	return nil
}

// followTask consumes bus events until the task leaves the executing states.
// Transitions that never executed, like paused to queued, are skipped. output
// may be nil.
func followTask(ctx context.Context, status, output *broadcast.Subscription, taskID string, onOutput func(broadcast.TaskOutput)) (broadcast.TaskStatusChanged, error) {
	var outCh <-chan broadcast.Event
	if output != nil {
		outCh = output.Ch()
	}
	emit := func(ev broadcast.Event) {
		if p, ok := ev.Payload.(broadcast.TaskOutput); ok && p.TaskID == taskID && onOutput != nil {
			onOutput(p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return broadcast.TaskStatusChanged{}, ctx.Err()
		case ev, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			emit(ev)
		case ev, ok := <-status.Ch():
			if !ok {
				return broadcast.TaskStatusChanged{}, fmt.Errorf("event stream closed")
			}
			p, isStatus := ev.Payload.(broadcast.TaskStatusChanged)
			if !isStatus || p.TaskID != taskID || !p.From.IsExecuting() || p.To.IsExecuting() {
				continue
			}
			// output is published before the final status; flush what is buffered
			for outCh != nil {
				select {
				case ev, ok := <-outCh:
					if !ok {
						outCh = nil
						continue
					}
					emit(ev)
				default:
					outCh = nil
				}
			}
			return p, nil
		}
	}
}
