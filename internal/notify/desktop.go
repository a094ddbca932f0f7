package notify

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DesktopNotifier sends desktop notifications through the OS notification tool
type DesktopNotifier struct {
	enabled bool
	timeout time.Duration
}

// NewDesktopNotifier creates a new desktop notifier
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, timeout: 5 * time.Second}
}

// Send sends a desktop notification. Unsupported platforms are ignored.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + appleScriptEscape(n.Message) + `" with title "` + appleScriptEscape(n.Title) + `"`
		return exec.CommandContext(ctx, "osascript", "-e", script).Run()
	case "linux":
		return exec.CommandContext(ctx, "notify-send", "-a", "agent-queue", "-i", IconForType(n.Type), n.Title, n.Message).Run()
	default:
		return nil
	}
}

func appleScriptEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
