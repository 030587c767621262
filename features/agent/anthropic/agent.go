// Package anthropic implements the Agent Contract (§6.4) on top of the
// Anthropic Claude Messages streaming API, adapting
// github.com/anthropics/anthropic-sdk-go's SSE event union directly into
// agent.Event callbacks. It is grounded on the teacher's model/anthropic
// chunk processor but collapses the two-layer model.Client/model.Streamer
// abstraction: here the SDK stream drives Callbacks directly, since the
// Agent Contract's event shape already matches what a UI needs.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/agentapi"
)

// Options configures an Agent instance.
type Options struct {
	// APIKey authenticates against the Anthropic API. Required unless
	// Client is supplied directly.
	APIKey string
	// Model is the Claude model identifier, e.g.
	// string(sdk.ModelClaudeSonnet4_5_20250929).
	Model string
	// MaxTokens caps the completion length. Defaults to 1024 if zero.
	MaxTokens int
	// SystemPrompt is sent as the request's system block, if non-empty.
	SystemPrompt string
	// Client overrides the SDK client construction, primarily for tests.
	Client MessagesClient
}

// MessagesClient is the subset of the Anthropic SDK client this adapter
// needs, mirroring the teacher's MessagesClient seam so tests can substitute
// a fake without touching the network.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) Stream
}

// Stream is the minimal SSE-stream shape this adapter consumes.
type Stream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// Agent is a stateless, clonable Agent Contract implementation. The zero
// value is not usable; construct with New.
type Agent struct {
	opts     Options
	aborted  atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New constructs an Agent prototype. The returned value is registered in an
// agentapi.MapRegistry; the coordinator clones it per run.
func New(opts Options) *Agent {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	return &Agent{opts: opts}
}

// Clone implements agentapi.Agent.
func (a *Agent) Clone() agentapi.Agent {
	return &Agent{opts: a.opts}
}

// AbortRun implements agentapi.Agent: it cancels the context driving the
// in-flight stream, if any. Safe to call before RunAgent starts or after it
// returns.
func (a *Agent) AbortRun() {
	a.aborted.Store(true)
	a.cancelMu.Lock()
	cancel := a.cancel
	a.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunAgent implements agentapi.Agent: it streams one Messages completion and
// lowers each SSE event into the matching agent.Event callback sequence.
func (a *Agent) RunAgent(ctx context.Context, input agent.RunInput, cb agentapi.Callbacks) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelMu.Lock()
	a.cancel = cancel
	a.cancelMu.Unlock()
	defer cancel()

	cb.OnRunStarted()

	msgClient, err := a.client()
	if err != nil {
		cb.OnEvent(agent.RunErrorEvent{Message: err.Error()})
		return err
	}

	params, err := buildParams(a.opts, input)
	if err != nil {
		cb.OnEvent(agent.RunErrorEvent{Message: err.Error()})
		return err
	}

	stream := msgClient.NewStreaming(runCtx, params)
	defer stream.Close()

	proc := &streamProcessor{cb: cb}
	for stream.Next() {
		if a.aborted.Load() {
			break
		}
		if err := proc.handle(stream.Current()); err != nil {
			cb.OnEvent(agent.RunErrorEvent{Message: err.Error()})
			return err
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		cb.OnEvent(agent.RunErrorEvent{Message: err.Error()})
		return err
	}

	proc.closeOpenGroups()
	return nil
}

func (a *Agent) client() (MessagesClient, error) {
	if a.opts.Client != nil {
		return a.opts.Client, nil
	}
	if a.opts.APIKey == "" {
		return nil, errors.New("anthropic: APIKey or Client is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(a.opts.APIKey))
	return sdkMessagesAdapter{&ac.Messages}, nil
}

// sdkMessagesAdapter narrows *sdk.MessageService down to MessagesClient.
type sdkMessagesAdapter struct {
	svc *sdk.MessageService
}

func (a sdkMessagesAdapter) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) Stream {
	return a.svc.NewStreaming(ctx, body, opts...)
}

func buildParams(opts Options, input agent.RunInput) (sdk.MessageNewParams, error) {
	if opts.Model == "" {
		return sdk.MessageNewParams{}, errors.New("anthropic: Model is required")
	}
	msgs, err := encodeMessages(input.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(opts.Model),
		MaxTokens: int64(opts.MaxTokens),
		Messages:  msgs,
	}
	if opts.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
	}
	return params, nil
}

// encodeMessages maps the coordinator's Message shape onto Anthropic's
// MessageParam union. Tool-role messages become tool_result blocks attached
// to a user turn, matching Claude's conversation shape.
func encodeMessages(msgs []agent.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case agent.RoleUser, agent.RoleDeveloper:
			if m.Content == "" {
				continue
			}
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case agent.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Function.Arguments, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case agent.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case agent.RoleSystem:
			// System-role input messages are skipped; the only system text
			// sent is Options.SystemPrompt, via MessageNewParams.System.
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user message is required")
	}
	return out, nil
}

// streamProcessor converts one Anthropic SSE event sequence into the
// corresponding agent.Event callbacks, tracking which text/tool-call groups
// are currently open so it can close any left dangling by a truncated stream.
type streamProcessor struct {
	cb agentapi.Callbacks

	openText     string
	openToolCall string
	toolName     map[string]string
}

func (p *streamProcessor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.TextBlock:
			id := fmt.Sprintf("msg-%d", ev.Index)
			p.openText = id
			p.cb.OnEvent(agent.TextMessageStartEvent{MessageID: id, Role: agent.RoleAssistant})
		case sdk.ToolUseBlock:
			if p.toolName == nil {
				p.toolName = make(map[string]string)
			}
			p.toolName[block.ID] = block.Name
			p.openToolCall = block.ID
			p.cb.OnEvent(agent.ToolCallStartEvent{ToolCallID: block.ID, ToolCallName: block.Name})
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" || p.openText == "" {
				return nil
			}
			p.cb.OnEvent(agent.TextMessageContentEvent{MessageID: p.openText, Delta: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" || p.openToolCall == "" {
				return nil
			}
			p.cb.OnEvent(agent.ToolCallArgsEvent{ToolCallID: p.openToolCall, Delta: delta.PartialJSON})
		}
	case sdk.ContentBlockStopEvent:
		if p.openText != "" {
			p.cb.OnEvent(agent.TextMessageEndEvent{MessageID: p.openText})
			p.openText = ""
		}
		if p.openToolCall != "" {
			p.cb.OnEvent(agent.ToolCallEndEvent{ToolCallID: p.openToolCall})
			p.openToolCall = ""
		}
	case sdk.MessageStopEvent:
		p.closeOpenGroups()
	}
	return nil
}

func (p *streamProcessor) closeOpenGroups() {
	if p.openText != "" {
		p.cb.OnEvent(agent.TextMessageEndEvent{MessageID: p.openText})
		p.openText = ""
	}
	if p.openToolCall != "" {
		p.cb.OnEvent(agent.ToolCallEndEvent{ToolCallID: p.openToolCall})
		p.openToolCall = ""
	}
}
