//go:build integration

package integration

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCLI_RunWithFakeAgent(t *testing.T) {
	agent := filepath.Join(FixturesDir(t), "fake-claude.sh")
	env := newTestEnv(t, "[agents.claude]\nexecutable = \""+agent+"\"\n")
	env.run(t, "project", "add", "webshop", env.projectDir)
	id := addedID(t, env.run(t, "add", "-p", "webshop", "--title", "Fix login redirect", "Keep the next parameter"))

	out := env.run(t, "run", id)
	if !strings.Contains(out, "Looking at the login handler") {
		t.Errorf("expected streamed agent output, got: %s", out)
	}
	if !strings.Contains(out, "needs_review") {
		t.Errorf("expected task to end in needs_review, got: %s", out)
	}

	out = env.run(t, "show", id)
	if !strings.Contains(out, "needs_review") || !strings.Contains(out, "0b9f7c4e-5d43-4a57-9a60-2f0d1f3e8c11") {
		t.Errorf("expected status and captured session, got: %s", out)
	}

	out = env.run(t, "logs", id)
	if !strings.Contains(out, "iteration 1 started") || !strings.Contains(out, "Fixed the redirect.") {
		t.Errorf("expected iteration log, got: %s", out)
	}

	// a finished task cannot be run again without a requeue
	if out, err := env.exec("run", id); err == nil {
		t.Errorf("expected run of a reviewed task to fail, got: %s", out)
	}
}
