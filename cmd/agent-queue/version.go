package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/hochfrequenz/agent-queue/internal/updater"
	"github.com/spf13/cobra"
)

// set by the release build: -ldflags "-X main.version=v0.4.0"
var version = "dev"

var updateCheck bool

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agent-queue %s\n", version)
		},
	})

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Update agent-queue to the latest release",
		Args:  cobra.NoArgs,
		RunE:  runUpdate,
	}
	updateCmd.Flags().BoolVar(&updateCheck, "check", false, "only check for a newer release")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	u := updater.New()
	out := cmd.OutOrStdout()

	latest, err := u.LatestVersion(cmd.Context())
	if err != nil {
		return err
	}
	if !updater.NeedsUpdate(version, latest) {
		fmt.Fprintf(out, "agent-queue %s is up to date\n", version)
		return nil
	}
	if updateCheck {
		fmt.Fprintf(out, "Update available: %s → %s\n", version, color.GreenString(latest))
		return nil
	}

	fmt.Fprintf(out, "Updating %s → %s...\n", version, latest)
	if err := u.Install(cmd.Context(), latest, ""); err != nil {
		return err
	}
	fmt.Fprintf(out, "Installed agent-queue %s\n", color.GreenString(latest))
	return nil
}
