package lifecycle

import (
	"strings"

	"github.com/hochfrequenz/agent-queue/internal/domain"
	"github.com/hochfrequenz/agent-queue/internal/prompts"
)

// BuildPrompt returns the text sent to the agent for the task's current iteration.
// Templates in the project's .agent-queue/prompts/ take precedence.
func BuildPrompt(loader *prompts.Loader, task *domain.Task, project *domain.Project) (string, error) {
	return loader.ForProject(project.Path).BuildTaskPrompt(prompts.TaskData{
		Title:       task.Title,
		Prompt:      strings.TrimSpace(task.Prompt),
		FollowUp:    strings.TrimSpace(task.FollowUp),
		Iteration:   task.CurrentIteration,
		ProjectName: project.Name,
		ProjectPath: project.Path,
	}, task.SessionID != "")
}
