package agent

// EventType is the closed tag set for Event. Storage, compaction, and the
// wire codec all switch on this value rather than on the concrete Go type,
// matching the teacher's hooks.EventType discipline.
type EventType string

const (
	EventRunStarted          EventType = "RUN_STARTED"
	EventRunFinished         EventType = "RUN_FINISHED"
	EventRunError            EventType = "RUN_ERROR"
	EventTextMessageStart    EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent  EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd      EventType = "TEXT_MESSAGE_END"
	EventToolCallStart       EventType = "TOOL_CALL_START"
	EventToolCallArgs        EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd         EventType = "TOOL_CALL_END"
	EventToolCallResult      EventType = "TOOL_CALL_RESULT"
	EventCustom              EventType = "CUSTOM"
)

type (
	// Event is the interface every concrete event type implements. The
	// coordinator, bus, compactor, and store all operate on Event values;
	// only the codec needs to type-switch to a concrete struct to encode one.
	Event interface {
		// Type returns the tag used for storage, routing, and wire encoding.
		Type() EventType
	}

	// RunStartedEvent opens a run. Input is attached by the coordinator if
	// the agent does not set it itself (§4.2 step 4 of "Run execution").
	RunStartedEvent struct {
		ThreadID string    `json:"threadId"`
		RunID    string    `json:"runId"`
		Input    *RunInput `json:"input,omitempty"`
	}

	// RunFinishedEvent is one of the two possible terminal events (Invariant 3).
	RunFinishedEvent struct {
		ThreadID string `json:"threadId"`
		RunID    string `json:"runId"`
	}

	// RunErrorEvent is the other possible terminal event.
	RunErrorEvent struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}

	// TextMessageStartEvent opens a streaming text message group.
	TextMessageStartEvent struct {
		MessageID string `json:"messageId"`
		Role      Role   `json:"role"`
	}

	// TextMessageContentEvent carries one streaming delta for MessageID.
	TextMessageContentEvent struct {
		MessageID string `json:"messageId"`
		Delta     string `json:"delta"`
	}

	// TextMessageEndEvent closes a streaming text message group.
	TextMessageEndEvent struct {
		MessageID string `json:"messageId"`
	}

	// ToolCallStartEvent opens a streaming tool-call-arguments group.
	ToolCallStartEvent struct {
		ToolCallID       string `json:"toolCallId"`
		ToolCallName     string `json:"toolCallName"`
		ParentMessageID  string `json:"parentMessageId,omitempty"`
	}

	// ToolCallArgsEvent carries one streaming delta for ToolCallID.
	ToolCallArgsEvent struct {
		ToolCallID string `json:"toolCallId"`
		Delta      string `json:"delta"`
	}

	// ToolCallEndEvent closes a streaming tool-call-arguments group.
	ToolCallEndEvent struct {
		ToolCallID string `json:"toolCallId"`
	}

	// ToolCallResultEvent carries the result of a tool invocation back into
	// the transcript as a synthetic "tool" role message.
	ToolCallResultEvent struct {
		MessageID  string `json:"messageId"`
		ToolCallID string `json:"toolCallId"`
		Content    string `json:"content"`
		Role       string `json:"role"`
	}

	// CustomEvent carries application-defined, opaque payloads through the
	// bus and store without the coordinator needing to understand them.
	CustomEvent struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Value any    `json:"value,omitempty"`
	}
)

func (RunStartedEvent) Type() EventType         { return EventRunStarted }
func (RunFinishedEvent) Type() EventType        { return EventRunFinished }
func (RunErrorEvent) Type() EventType           { return EventRunError }
func (TextMessageStartEvent) Type() EventType   { return EventTextMessageStart }
func (TextMessageContentEvent) Type() EventType { return EventTextMessageContent }
func (TextMessageEndEvent) Type() EventType     { return EventTextMessageEnd }
func (ToolCallStartEvent) Type() EventType      { return EventToolCallStart }
func (ToolCallArgsEvent) Type() EventType       { return EventToolCallArgs }
func (ToolCallEndEvent) Type() EventType        { return EventToolCallEnd }
func (ToolCallResultEvent) Type() EventType     { return EventToolCallResult }
func (CustomEvent) Type() EventType             { return EventCustom }

// MessageIDOf returns the messageId carried by events that reference one, and
// ok=false for events that don't (tool-call events, run lifecycle events).
// The coordinator and compactor use this to group/dedupe by message.
func MessageIDOf(e Event) (id string, ok bool) {
	switch v := e.(type) {
	case TextMessageStartEvent:
		return v.MessageID, true
	case TextMessageContentEvent:
		return v.MessageID, true
	case TextMessageEndEvent:
		return v.MessageID, true
	case ToolCallResultEvent:
		return v.MessageID, true
	default:
		return "", false
	}
}

// ToolCallIDOf returns the toolCallId carried by tool-call events.
func ToolCallIDOf(e Event) (id string, ok bool) {
	switch v := e.(type) {
	case ToolCallStartEvent:
		return v.ToolCallID, true
	case ToolCallArgsEvent:
		return v.ToolCallID, true
	case ToolCallEndEvent:
		return v.ToolCallID, true
	case ToolCallResultEvent:
		return v.ToolCallID, true
	default:
		return "", false
	}
}

// IsTerminal reports whether e is one of the two terminal event types
// (Invariant 3: every stored run ends with exactly one of these).
func IsTerminal(e Event) bool {
	switch e.Type() {
	case EventRunFinished, EventRunError:
		return true
	default:
		return false
	}
}
