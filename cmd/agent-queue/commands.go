package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/lifecycle"
	"github.com/hochfrequenz/agent-queue/internal/parser"
	"github.com/hochfrequenz/agent-queue/internal/taskstore"
	"github.com/spf13/cobra"
)

var (
	addProject  string
	addTitle    string
	addAgent    string
	addModel    string
	addThinking string
	addBacklog  bool
	addFile     string

	importProject string

	listStatus  string
	listProject string
	listLimit   int

	logsIteration int
)

func init() {
	addCmd := &cobra.Command{
		Use:   "add [PROMPT]",
		Short: "Add a task to the queue",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAdd,
	}
	addCmd.Flags().StringVarP(&addProject, "project", "p", "", "project name or id")
	addCmd.Flags().StringVar(&addTitle, "title", "", "task title")
	addCmd.Flags().StringVar(&addAgent, "agent", "", "agent id (default from config)")
	addCmd.Flags().StringVar(&addModel, "model", "", "model (default from agent)")
	addCmd.Flags().StringVar(&addThinking, "thinking", "", "extended thinking: on or off")
	addCmd.Flags().BoolVar(&addBacklog, "backlog", false, "park the task in the backlog")
	addCmd.Flags().StringVarP(&addFile, "file", "f", "", "read the task from a markdown file")
	rootCmd.AddCommand(addCmd)

	importCmd := &cobra.Command{
		Use:   "import PATH",
		Short: "Import tasks from a markdown file or a directory of them",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	importCmd.Flags().StringVarP(&importProject, "project", "p", "", "project for files that do not name one")
	rootCmd.AddCommand(importCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (comma separated)")
	listCmd.Flags().StringVarP(&listProject, "project", "p", "", "filter by project")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of tasks")
	rootCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show TASK",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	rootCmd.AddCommand(showCmd)

	logsCmd := &cobra.Command{
		Use:   "logs TASK",
		Short: "Print the output log of a task iteration",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVar(&logsIteration, "iteration", 0, "iteration (default: current)")
	rootCmd.AddCommand(logsCmd)

	projectCmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	projectCmd.AddCommand(&cobra.Command{
		Use:   "add NAME PATH",
		Short: "Register a project directory",
		Args:  cobra.ExactArgs(2),
		RunE:  runProjectAdd,
	})
	projectCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE:  runProjectList,
	})
	rootCmd.AddCommand(projectCmd)
}

var (
	statusColors = map[domain.TaskStatus]*color.Color{
		domain.StatusRunning:       color.New(color.FgGreen),
		domain.StatusAwaitingAgent: color.New(color.FgGreen),
		domain.StatusQueued:        color.New(color.FgCyan),
		domain.StatusNeedsReview:   color.New(color.FgYellow),
		domain.StatusPaused:        color.New(color.FgYellow),
		domain.StatusFailed:        color.New(color.FgRed),
		domain.StatusAccepted:      color.New(color.FgGreen, color.Bold),
	}
	faint = color.New(color.Faint)
)

func colorStatus(s domain.TaskStatus) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return faint.Sprint(string(s))
}

// findTask resolves a task by full id or unique id prefix
func findTask(store *taskstore.Store, ref string) (*domain.Task, error) {
	task, err := store.LoadTask(ref)
	if err == nil || !errors.Is(err, domain.ErrTaskNotFound) {
		return task, err
	}

	tasks, err := store.ListTasks(taskstore.ListOptions{})
	if err != nil {
		return nil, err
	}
	var match *domain.Task
	for _, t := range tasks {
		if !strings.HasPrefix(t.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("task prefix %q is ambiguous", ref)
		}
		match = t
	}
	if match == nil {
		return nil, fmt.Errorf("task %s: %w", ref, domain.ErrTaskNotFound)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	nt := lifecycle.NewTask{
		Title:        addTitle,
		AgentID:      addAgent,
		Model:        addModel,
		ThinkingMode: domain.ParseThinkingMode(addThinking),
		Backlog:      addBacklog,
	}
	projectRef := addProject

	switch {
	case addFile != "":
		tf, err := parser.ParseTaskFile(addFile)
		if err != nil {
			return err
		}
		nt = mergeTaskFile(nt, tf)
		if projectRef == "" {
			projectRef = tf.Project
		}
	case len(args) == 1:
		nt.Prompt = args[0]
	default:
		return fmt.Errorf("give a prompt or --file")
	}
	if projectRef == "" {
		return fmt.Errorf("--project is required")
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	project, err := eng.store.ResolveProject(projectRef)
	if err != nil {
		return err
	}
	nt.ProjectID = project.ID

	task, err := eng.tasks.Enqueue(cmd.Context(), nt)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s %s (%s)\n", shortID(task.ID), task.DisplayTitle(), colorStatus(task.Status))
	return nil
}

// mergeTaskFile fills the fields the command line left empty from a task file
func mergeTaskFile(nt lifecycle.NewTask, tf *parser.TaskFile) lifecycle.NewTask {
	nt.Prompt = tf.Prompt
	if nt.Title == "" {
		nt.Title = tf.Title
	}
	if nt.AgentID == "" {
		nt.AgentID = tf.Agent
	}
	if nt.Model == "" {
		nt.Model = tf.Model
	}
	if nt.ThinkingMode == domain.ThinkingInherit {
		nt.ThinkingMode = tf.ThinkingMode
	}
	nt.Backlog = nt.Backlog || tf.Backlog
	return nt
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	var files []*parser.TaskFile
	if info.IsDir() {
		files, err = parser.ParseDir(path)
	} else {
		var tf *parser.TaskFile
		tf, err = parser.ParseTaskFile(path)
		files = []*parser.TaskFile{tf}
	}
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No task files in %s\n", path)
		return nil
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	// resolve every project before the first insert so a typo imports nothing
	projects := make(map[string]string)
	for _, tf := range files {
		ref := tf.Project
		if ref == "" {
			ref = importProject
		}
		if ref == "" {
			return fmt.Errorf("%s: no project in frontmatter and no --project given", filepath.Base(tf.Path))
		}
		if _, ok := projects[ref]; ok {
			continue
		}
		p, err := eng.store.ResolveProject(ref)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(tf.Path), err)
		}
		projects[ref] = p.ID
	}

	out := cmd.OutOrStdout()
	for _, tf := range files {
		ref := tf.Project
		if ref == "" {
			ref = importProject
		}
		nt := mergeTaskFile(lifecycle.NewTask{ProjectID: projects[ref]}, tf)
		task, err := eng.tasks.Enqueue(cmd.Context(), nt)
		if err != nil {
			return fmt.Errorf("importing %s: %w", filepath.Base(tf.Path), err)
		}
		fmt.Fprintf(out, "  %s %s (%s)\n", shortID(task.ID), task.DisplayTitle(), colorStatus(task.Status))
	}
	fmt.Fprintf(out, "Imported %d tasks from %s\n", len(files), path)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := taskstore.ListOptions{Limit: listLimit}
	if listStatus != "" {
		for _, part := range strings.Split(listStatus, ",") {
			st, ok := domain.ParseTaskStatus(strings.TrimSpace(part))
			if !ok {
				return fmt.Errorf("unknown status %q", part)
			}
			opts.Statuses = append(opts.Statuses, st)
		}
	}
	if listProject != "" {
		p, err := store.ResolveProject(listProject)
		if err != nil {
			return err
		}
		opts.ProjectID = p.ID
	}

	tasks, err := store.ListTasks(opts)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tAGENT\tITER\tRUNTIME\tUPDATED")
	for _, t := range tasks {
		agent := t.AgentID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(t.ID), colorStatus(t.Status), truncate(t.DisplayTitle(), 50), agent,
			t.CurrentIteration, t.Runtime(now).Round(time.Second), humanize.Time(t.UpdatedAt))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := findTask(store, args[0])
	if err != nil {
		return err
	}
	project, err := store.LoadProject(t.ProjectID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", t.ID)
	fmt.Fprintf(w, "Title:\t%s\n", t.DisplayTitle())
	fmt.Fprintf(w, "Project:\t%s (%s)\n", project.Name, project.Path)
	fmt.Fprintf(w, "Status:\t%s\n", colorStatus(t.Status))
	if t.AgentID != "" {
		fmt.Fprintf(w, "Agent:\t%s\n", t.AgentID)
	}
	if t.Model != "" {
		fmt.Fprintf(w, "Model:\t%s\n", t.Model)
	}
	if t.ThinkingMode != domain.ThinkingInherit {
		fmt.Fprintf(w, "Thinking:\t%s\n", t.ThinkingMode)
	}
	fmt.Fprintf(w, "Iteration:\t%d\n", t.CurrentIteration)
	fmt.Fprintf(w, "Runtime:\t%s\n", t.Runtime(time.Now()).Round(time.Second))
	if t.SessionID != "" {
		fmt.Fprintf(w, "Session:\t%s\n", t.SessionID)
	}
	if t.PauseReason != domain.PauseNone {
		fmt.Fprintf(w, "Paused:\t%s\n", t.PauseReason)
		if t.ResumeAfter != nil {
			fmt.Fprintf(w, "Resumes:\t%s\n", humanize.Time(*t.ResumeAfter))
		}
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", color.RedString(t.ErrorMessage))
	}
	if t.Incomplete != nil && t.Incomplete.Incomplete {
		fmt.Fprintf(w, "Unfinished:\t%s\n", color.YellowString(strings.Join(t.Incomplete.Reasons, "; ")))
	}
	fmt.Fprintf(w, "Created:\t%s\n", humanize.Time(t.CreatedAt))
	fmt.Fprintf(w, "Updated:\t%s\n", humanize.Time(t.UpdatedAt))
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%s\n", t.Prompt)
	if t.FollowUp != "" {
		fmt.Fprintf(out, "\nFollow-up:\n%s\n", t.FollowUp)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := findTask(store, args[0])
	if err != nil {
		return err
	}
	iteration := logsIteration
	if iteration == 0 {
		iteration = t.CurrentIteration
	}
	log, err := store.ReadIterationLog(t.ProjectID, t.ID, iteration)
	if err != nil {
		return err
	}
	if log == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "No log for iteration %d\n", iteration)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), log)
	return nil
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	path, err := filepath.Abs(args[1])
	if err != nil {
		return err
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	p := &domain.Project{Name: args[0], Path: path}
	if existing, err := store.ResolveProject(args[0]); err == nil {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	}
	if err := store.UpsertProject(p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Project %s → %s\n", p.Name, p.Path)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	projects, err := store.ListProjects()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tID")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Path, shortID(p.ID))
	}
	return w.Flush()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// requestContext bounds a single API call
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}
