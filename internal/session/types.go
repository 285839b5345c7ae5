package session

import (
	"fmt"
	"strings"
	"time"
)

// Author constants for the common event producers. Any agent name is a valid
// author; these cover the built-in roles.
const (
	AuthorUser = "user"
)

// Part type discriminator values as stored in event_content_parts.part_type.
const (
	PartTypeText             = "text"
	PartTypeFunctionCall     = "functionCall"
	PartTypeFunctionResponse = "functionResponse"
)

// State is an opaque JSON document: string keys mapping to JSON-compatible
// values, nested arbitrarily. It round-trips through JSONB untouched so the
// storage schema stays decoupled from caller-defined shapes.
type State map[string]any

// Clone returns a deep copy of the state document.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies JSON-compatible values. Scalars are immutable and
// returned as-is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case State:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// Session is the aggregate handed to callers: identity, scope, opaque state,
// and the ordered event log. It carries no storage awareness.
type Session struct {
	ID             string    `json:"id"`
	AppName        string    `json:"app_name"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	Events         []*Event  `json:"events"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// Clone returns a deep copy. The Store returns clones so callers never
// observe internal mutation after a call returns.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		ID:             s.ID,
		AppName:        s.AppName,
		UserID:         s.UserID,
		State:          s.State.Clone(),
		LastUpdateTime: s.LastUpdateTime,
	}
	if s.Events != nil {
		out.Events = make([]*Event, len(s.Events))
		for i, ev := range s.Events {
			out.Events[i] = ev.Clone()
		}
	}
	return out
}

// EventActions holds the structured deltas an event applies to its session.
// All documents are opaque to the store.
type EventActions struct {
	StateDelta           State  `json:"state_delta,omitempty"`
	ArtifactDelta        State  `json:"artifact_delta,omitempty"`
	RequestedAuthConfigs State  `json:"requested_auth_configs,omitempty"`
	TransferToAgent      string `json:"transfer_to_agent,omitempty"`
}

// Clone returns a deep copy.
func (a EventActions) Clone() EventActions {
	return EventActions{
		StateDelta:           a.StateDelta.Clone(),
		ArtifactDelta:        a.ArtifactDelta.Clone(),
		RequestedAuthConfigs: a.RequestedAuthConfigs.Clone(),
		TransferToAgent:      a.TransferToAgent,
	}
}

// Event is one append-only entry in a session's log. Events are never
// mutated or reordered after creation; replay order is Timestamp ascending
// with insertion order breaking ties.
type Event struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id"`
	InvocationID string       `json:"invocation_id,omitempty"`
	Author       string       `json:"author"`
	Timestamp    int64        `json:"timestamp"` // epoch milliseconds, caller-assigned
	Actions      EventActions `json:"actions,omitempty"`
	Content      *Content     `json:"content,omitempty"`
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Actions = e.Actions.Clone()
	out.Content = e.Content.Clone()
	return &out
}

// Validate checks the event is well-formed before any I/O.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is nil", ErrInvalidArgument)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: event id must not be empty", ErrInvalidArgument)
	}
	if strings.TrimSpace(e.Author) == "" {
		return fmt.Errorf("%w: event author must not be empty", ErrInvalidArgument)
	}
	if e.Timestamp < 0 {
		return fmt.Errorf("%w: event timestamp must not be negative", ErrInvalidArgument)
	}
	if e.Content != nil {
		for i, p := range e.Content.Parts {
			if err := p.Validate(); err != nil {
				return fmt.Errorf("part %d of event %s: %w", i, e.ID, err)
			}
		}
	}
	return nil
}

// Time returns the event timestamp as time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Content is the structured payload of an event.
type Content struct {
	Role  string  `json:"role,omitempty"`
	Parts []*Part `json:"parts,omitempty"`
}

// Clone returns a deep copy.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	out := &Content{Role: c.Role}
	if c.Parts != nil {
		out.Parts = make([]*Part, len(c.Parts))
		for i, p := range c.Parts {
			out.Parts[i] = p.clone()
		}
	}
	return out
}

// Part is a discriminated content part: exactly one of Text, FunctionCall,
// or FunctionResponse is populated.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// FunctionCall identifies a tool invocation requested by the model.
type FunctionCall struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Args State  `json:"args,omitempty"`
}

// FunctionResponse carries the result of a tool invocation.
type FunctionResponse struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Response State  `json:"response,omitempty"`
}

// NewTextPart creates a text part.
func NewTextPart(text string) *Part {
	return &Part{Text: text}
}

// NewFunctionCallPart creates a function-call part.
func NewFunctionCallPart(id, name string, args State) *Part {
	return &Part{FunctionCall: &FunctionCall{ID: id, Name: name, Args: args}}
}

// NewFunctionResponsePart creates a function-response part.
func NewFunctionResponsePart(id, name string, response State) *Part {
	return &Part{FunctionResponse: &FunctionResponse{ID: id, Name: name, Response: response}}
}

// Type returns the part discriminator, or "" for a malformed part.
func (p *Part) Type() string {
	switch {
	case p == nil:
		return ""
	case p.FunctionCall != nil:
		return PartTypeFunctionCall
	case p.FunctionResponse != nil:
		return PartTypeFunctionResponse
	case p.Text != "":
		return PartTypeText
	default:
		return ""
	}
}

// Validate checks that exactly one payload shape is populated.
func (p *Part) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: part is nil", ErrInvalidPart)
	}
	populated := 0
	if p.Text != "" {
		populated++
	}
	if p.FunctionCall != nil {
		populated++
	}
	if p.FunctionResponse != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("%w: exactly one of text, function_call, function_response must be set", ErrInvalidPart)
	}
	return nil
}

func (p *Part) clone() *Part {
	if p == nil {
		return nil
	}
	out := &Part{Text: p.Text}
	if p.FunctionCall != nil {
		out.FunctionCall = &FunctionCall{
			ID:   p.FunctionCall.ID,
			Name: p.FunctionCall.Name,
			Args: p.FunctionCall.Args.Clone(),
		}
	}
	if p.FunctionResponse != nil {
		out.FunctionResponse = &FunctionResponse{
			ID:       p.FunctionResponse.ID,
			Name:     p.FunctionResponse.Name,
			Response: p.FunctionResponse.Response.Clone(),
		}
	}
	return out
}
