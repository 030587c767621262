package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/agentrun/runtime/agent"
)

// fakeStream replays a fixed event sequence, mirroring the teacher's
// testDecoder but implementing this package's own narrower Stream seam.
type fakeStream struct {
	events []sdk.MessageStreamEventUnion
	i      int
}

func (f *fakeStream) Next() bool {
	if f.i >= len(f.events) {
		return false
	}
	f.i++
	return true
}
func (f *fakeStream) Current() sdk.MessageStreamEventUnion { return f.events[f.i-1] }
func (f *fakeStream) Err() error                           { return nil }
func (f *fakeStream) Close() error                         { return nil }

type fakeClient struct {
	stream *fakeStream
}

func (c fakeClient) NewStreaming(_ context.Context, _ sdk.MessageNewParams, _ ...option.RequestOption) Stream {
	return c.stream
}

func mustEvent(t *testing.T, raw string) sdk.MessageStreamEventUnion {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

// fakeCallbacks records every agent.Event it receives, in order.
type fakeCallbacks struct {
	events []agent.Event
}

func (f *fakeCallbacks) OnRunStarted()              {}
func (f *fakeCallbacks) OnNewMessage(agent.Message) {}
func (f *fakeCallbacks) OnEvent(e agent.Event)       { f.events = append(f.events, e) }

func TestRunAgentTextAndToolCall(t *testing.T) {
	events := []sdk.MessageStreamEventUnion{
		mustEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`),
		mustEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`),
		mustEvent(t, `{"type":"content_block_stop","index":0}`),
		mustEvent(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`),
		mustEvent(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":1}"}}`),
		mustEvent(t, `{"type":"content_block_stop","index":1}`),
		mustEvent(t, `{"type":"message_stop"}`),
	}

	a := New(Options{Model: "claude-test", Client: fakeClient{stream: &fakeStream{events: events}}})
	cb := &fakeCallbacks{}

	err := a.RunAgent(context.Background(), agent.RunInput{
		Messages: []agent.Message{{ID: "u1", Role: agent.RoleUser, Content: "hello"}},
	}, cb)
	require.NoError(t, err)

	var sawText, sawToolArgs bool
	for _, e := range cb.events {
		switch v := e.(type) {
		case agent.TextMessageContentEvent:
			require.Equal(t, "hi", v.Delta)
			sawText = true
		case agent.ToolCallArgsEvent:
			require.Equal(t, "t1", v.ToolCallID)
			sawToolArgs = true
		}
	}
	require.True(t, sawText)
	require.True(t, sawToolArgs)
}

func TestRunAgentRequiresModel(t *testing.T) {
	a := New(Options{Client: fakeClient{stream: &fakeStream{}}})
	cb := &fakeCallbacks{}
	err := a.RunAgent(context.Background(), agent.RunInput{
		Messages: []agent.Message{{ID: "u1", Role: agent.RoleUser, Content: "hi"}},
	}, cb)
	require.Error(t, err)
}

func TestRunAgentRequiresAMessage(t *testing.T) {
	a := New(Options{Model: "claude-test", Client: fakeClient{stream: &fakeStream{}}})
	cb := &fakeCallbacks{}
	err := a.RunAgent(context.Background(), agent.RunInput{}, cb)
	require.Error(t, err)
}

func TestCloneReturnsIndependentInstance(t *testing.T) {
	a := New(Options{Model: "claude-test"})
	clone := a.Clone()
	require.NotSame(t, a, clone)
}
