package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

const serviceName = "agent-queue"

const systemdUnitTemplate = `[Unit]
Description=Agent Queue
Documentation=https://github.com/hochfrequenz/agent-queue
After=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=10
{{- range .Environment}}
Environment={{.}}
{{- end}}

# give running agents time to stop after SIGTERM
TimeoutStopSec={{.StopTimeout}}

StandardOutput=journal
StandardError=journal
SyslogIdentifier=agent-queue

[Install]
WantedBy=default.target
`

type unitConfig struct {
	ExecStart   string
	Environment []string
	StopTimeout int
}

var (
	serviceAutoPlay bool
	serviceFollow   bool
	serviceLines    int
)

func init() {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage agent-queue serve as a systemd user service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install and enable the user service",
		Long: `Writes ~/.config/systemd/user/agent-queue.service running "agent-queue serve"
with the current config file and enables it. The service restarts on failure.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().BoolVar(&serviceAutoPlay, "autoplay", false, "start the service with auto-play on")

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs via journalctl",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&serviceFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVarP(&serviceLines, "lines", "n", 50, "number of lines to show")

	serviceCmd.AddCommand(
		installCmd,
		&cobra.Command{Use: "uninstall", Short: "Stop, disable and remove the user service", RunE: runServiceUninstall},
		systemctlCmd("start", "Start the service"),
		systemctlCmd("stop", "Stop the service"),
		systemctlCmd("restart", "Restart the service"),
		systemctlCmd("status", "Show service status"),
		logsCmd,
	)
	rootCmd.AddCommand(serviceCmd)
}

func systemdUnitPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "systemd", "user", serviceName+".service"), nil
}

func requireSystemd() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("service management needs systemd and is only supported on Linux")
	}
	return nil
}

func renderUnit(w io.Writer, cfg unitConfig) error {
	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("parsing unit template: %w", err)
	}
	return tmpl.Execute(w, cfg)
}

// serviceUnit builds the unit for the current binary and config
func serviceUnit(execPath, configPath string, killGrace int, autoplay bool) unitConfig {
	args := []string{strconv.Quote(execPath), "serve", "--config", strconv.Quote(configPath)}
	if autoplay {
		args = append(args, "--autoplay")
	}
	cfg := unitConfig{
		ExecStart:   strings.Join(args, " "),
		StopTimeout: killGrace + 30,
	}
	// agents look for their own credentials and binaries through these
	for _, key := range []string{"PATH", "HOME", "ANTHROPIC_API_KEY", "CLAUDE_CONFIG_DIR"} {
		if v := os.Getenv(key); v != "" {
			cfg.Environment = append(cfg.Environment, strconv.Quote(key+"="+v))
		}
	}
	return cfg
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := requireSystemd(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	execPath, err := os.Executable()
	if err != nil {
		return err
	}
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return err
	}
	configPath, err := filepath.Abs(configFile())
	if err != nil {
		return err
	}

	unitPath, err := systemdUnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return err
	}
	var unit strings.Builder
	grace := int(cfg.Execution.KillGracePeriod.Seconds())
	if err := renderUnit(&unit, serviceUnit(execPath, configPath, grace, serviceAutoPlay)); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(unit.String()), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", unitPath)
	if err := systemctl(cmd, "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := systemctl(cmd, "enable", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}
	fmt.Fprintf(out, "\nService installed and enabled.\n")
	fmt.Fprintf(out, "  Start:  agent-queue service start\n")
	fmt.Fprintf(out, "  Logs:   agent-queue service logs -f\n")
	fmt.Fprintf(out, "To keep it running after logout: loginctl enable-linger %s\n", os.Getenv("USER"))
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := requireSystemd(); err != nil {
		return err
	}
	unitPath, err := systemdUnitPath()
	if err != nil {
		return err
	}
	_ = systemctl(cmd, "stop", serviceName)
	_ = systemctl(cmd, "disable", serviceName)
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := systemctl(cmd, "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Service uninstalled. Config and database were kept.")
	return nil
}

func systemctlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSystemd(); err != nil {
				return err
			}
			unitPath, err := systemdUnitPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(unitPath); err != nil {
				return fmt.Errorf("service not installed, run: agent-queue service install")
			}
			if action == "status" {
				return systemctl(cmd, "status", serviceName, "--no-pager")
			}
			return systemctl(cmd, action, serviceName)
		},
	}
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	if err := requireSystemd(); err != nil {
		return err
	}
	jArgs := []string{"--user", "-u", serviceName, "-n", strconv.Itoa(serviceLines), "--no-pager"}
	if serviceFollow {
		jArgs = append(jArgs, "-f")
	}
	return runInteractive(cmd, "journalctl", jArgs...)
}

func systemctl(cmd *cobra.Command, args ...string) error {
	return runInteractive(cmd, "systemctl", append([]string{"--user"}, args...)...)
}

func runInteractive(cmd *cobra.Command, name string, args ...string) error {
	c := exec.CommandContext(cmd.Context(), name, args...)
	c.Stdin = os.Stdin
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	return c.Run()
}
