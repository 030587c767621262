// Command demo wires an in-memory ThreadStore and the Anthropic-backed Agent
// Contract implementation into a RunCoordinator and drives one run against a
// single hardcoded thread, printing each event to stdout as it arrives.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"

	anthropicagent "goa.design/agentrun/features/agent/anthropic"
	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/agentapi"
	"goa.design/agentrun/runtime/agent/coordinator"
	"goa.design/agentrun/runtime/agent/scope"
	"goa.design/agentrun/runtime/agent/thread/inmem"
)

func main() {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "demo: ANTHROPIC_API_KEY is required")
		os.Exit(1)
	}

	store := inmem.New()
	registry := agentapi.MapRegistry{
		"claude": anthropicagent.New(anthropicagent.Options{
			APIKey:       apiKey,
			Model:        "claude-sonnet-4-5-20250929",
			SystemPrompt: "You are a terse demo assistant.",
		}),
	}
	coord := coordinator.New(store, registry)

	ctx := context.Background()
	threadID := "demo-" + uuid.NewString()

	events, err := coord.Run(ctx, coordinator.RunRequest{
		ThreadID: threadID,
		AgentID:  "claude",
		Input: agent.RunInput{
			Messages: []agent.Message{{
				ID:      uuid.NewString(),
				Role:    agent.RoleUser,
				Content: "Say hello in one short sentence.",
			}},
		},
		Scope: &scope.ResourceScope{ResourceID: []string{"demo"}},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo: run failed:", err)
		os.Exit(1)
	}

	for e := range events {
		switch v := e.(type) {
		case agent.TextMessageContentEvent:
			fmt.Print(v.Delta)
		case agent.RunFinishedEvent:
			fmt.Println()
			fmt.Println("demo: run finished", v.RunID)
		case agent.RunErrorEvent:
			fmt.Println()
			fmt.Fprintln(os.Stderr, "demo: run error:", v.Message)
		}
	}
}
