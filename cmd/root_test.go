package cmd

import (
	"strings"
	"testing"
)

func TestAgentNotRunningNamesAgentCommand(t *testing.T) {
	root := NewRootCommand()

	c, _, err := root.Find([]string{"agent"})
	if err != nil || c.Name() != "agent" {
		t.Fatalf("expected an agent command, got %v (%v)", c, err)
	}
	if !strings.Contains(agentNotRunning, "'camwarden agent'") {
		t.Errorf("hint should point at the agent command: %q", agentNotRunning)
	}
	if strings.Contains(agentNotRunning, "Use 'camwarden start' to start it") {
		t.Errorf("hint must not suggest the stream command as the way to start the agent: %q", agentNotRunning)
	}
}
