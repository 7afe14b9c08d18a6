package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/strand"
	"github.com/loomworks/strand/internal/config"
)

// demoManifests builds a two-agent set: an assistant with a clock tool and
// a delegated researcher sub-agent whose search tool needs human approval.
func demoManifests(cfg config.Config) strand.ManifestSet {
	provider := strand.ProviderConfig{Name: cfg.Provider.Name, Model: cfg.Provider.Model}

	researcher := &strand.AgentManifest{
		ID:           "researcher",
		Version:      "1",
		Provider:     provider,
		Instructions: "You research a single question and answer concisely.",
		Tools: []strand.ToolDefinition{{
			Name:        "web_search",
			Description: "Search the web for a query.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		}},
		HumanInTheLoop: strand.HumanInTheLoop{
			AlwaysRequireApproval: []string{"web_search"},
		},
		Streaming: strand.StreamingConfig{Events: []strand.AgentEventType{
			strand.EventTextDelta, strand.EventToolCall, strand.EventToolResult,
		}},
		Timeout: 5 * time.Minute,
		Hooks: strand.Hooks{
			ToolExecutors: map[string]strand.ToolExecutor{
				"web_search": searchExecutor,
			},
		},
	}

	assistant := &strand.AgentManifest{
		ID:           "assistant",
		Version:      "1",
		Provider:     provider,
		Instructions: "You are a helpful assistant. Delegate research questions to the researcher agent.",
		Tools: []strand.ToolDefinition{{
			Name:        "current_time",
			Description: "Get the current UTC time.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		}},
		SubAgents: []strand.SubAgentRef{{
			ManifestID:      "researcher",
			ManifestVersion: "1",
			Description:     "Delegate a research question.",
		}},
		Streaming: strand.StreamingConfig{Events: []strand.AgentEventType{
			strand.EventTextDelta, strand.EventToolCall, strand.EventToolResult,
		}},
		Timeout: 10 * time.Minute,
		Hooks: strand.Hooks{
			ToolExecutors: map[string]strand.ToolExecutor{
				"current_time": func(ctx context.Context, _ strand.ExecContext, _ strand.ToolCall, _ chan<- strand.AgentEvent) (strand.ToolOutcome, error) {
					return strand.SuccessOutcome(time.Now().UTC().Format(time.RFC3339)), nil
				},
			},
		},
	}

	return strand.NewManifestSet(assistant, researcher)
}

// searchExecutor is a stand-in: a real deployment would call a search API.
func searchExecutor(ctx context.Context, _ strand.ExecContext, call strand.ToolCall, _ chan<- strand.AgentEvent) (strand.ToolOutcome, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return strand.ErrorOutcome(strand.WrapError(strand.CodeValidation, "parse search arguments", err), false), nil
	}
	return strand.SuccessOutcome("no search backend configured; query was: " + args.Query), nil
}
