package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/hochfrequenz/agent-queue/internal/prompts"
	"github.com/spf13/cobra"
)

var promptsProject string

func init() {
	promptsCmd := &cobra.Command{
		Use:   "prompts",
		Short: "List prompt templates and where they are loaded from",
		Long: `Prompt templates wrap a task's prompt before it is sent to the agent.
Override one by placing a file with the same path in
~/.config/agent-queue/prompts/ or <project>/.agent-queue/prompts/.`,
		RunE: runPrompts,
	}
	promptsCmd.PersistentFlags().StringVarP(&promptsProject, "project", "p", "", "resolve overrides for this project")
	promptsCmd.AddCommand(&cobra.Command{
		Use:   "show PATH",
		Short: "Print a template as it resolves",
		Args:  cobra.ExactArgs(1),
		RunE:  runPromptsShow,
	})
	rootCmd.AddCommand(promptsCmd)
}

func promptLoader() (*prompts.Loader, error) {
	loader := prompts.DefaultLoader()
	if promptsProject == "" {
		return loader, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	p, err := store.ResolveProject(promptsProject)
	if err != nil {
		return nil, err
	}
	return loader.ForProject(p.Path), nil
}

func runPrompts(cmd *cobra.Command, args []string) error {
	loader, err := promptLoader()
	if err != nil {
		return err
	}
	infos, err := loader.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEMPLATE\tSOURCE\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Path, info.Source, info.Description)
	}
	return w.Flush()
}

func runPromptsShow(cmd *cobra.Command, args []string) error {
	loader, err := promptLoader()
	if err != nil {
		return err
	}
	tmpl, _, err := loader.LoadTemplate(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tmpl.Root.String())
	return nil
}
