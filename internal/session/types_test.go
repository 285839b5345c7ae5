package session

import (
	"errors"
	"testing"
	"time"
)

func TestState_Clone_DeepCopy(t *testing.T) {
	original := State{
		"name": "Alice",
		"prefs": map[string]any{
			"lang":   "zh-TW",
			"topics": []any{"go", "databases"},
		},
		"count": float64(3),
	}

	cloned := original.Clone()

	// Mutate the clone at every level; the original must not move.
	cloned["name"] = "Bob"
	cloned["prefs"].(map[string]any)["lang"] = "en"
	cloned["prefs"].(map[string]any)["topics"].([]any)[0] = "rust"

	if original["name"] != "Alice" {
		t.Errorf("top-level mutation leaked into original: %v", original["name"])
	}
	if original["prefs"].(map[string]any)["lang"] != "zh-TW" {
		t.Error("nested map mutation leaked into original")
	}
	if original["prefs"].(map[string]any)["topics"].([]any)[0] != "go" {
		t.Error("nested slice mutation leaked into original")
	}
}

func TestState_Clone_Nil(t *testing.T) {
	var s State
	if got := s.Clone(); got != nil {
		t.Errorf("Clone() of nil state = %v, want nil", got)
	}
}

func TestSession_Clone_Independent(t *testing.T) {
	sess := &Session{
		ID:      "s1",
		AppName: "app",
		UserID:  "user",
		State:   State{"k": "v"},
		Events: []*Event{
			{ID: "e1", Author: AuthorUser, Timestamp: 100,
				Content: &Content{Parts: []*Part{NewTextPart("Hi")}}},
		},
		LastUpdateTime: time.UnixMilli(100),
	}

	cloned := sess.Clone()
	cloned.State["k"] = "changed"
	cloned.Events[0].Author = "agent"
	cloned.Events = append(cloned.Events, &Event{ID: "e2"})

	if sess.State["k"] != "v" {
		t.Error("state mutation leaked into original session")
	}
	if sess.Events[0].Author != AuthorUser {
		t.Error("event mutation leaked into original session")
	}
	if len(sess.Events) != 1 {
		t.Errorf("event list length changed: %d", len(sess.Events))
	}
}

func TestPart_Type(t *testing.T) {
	tests := []struct {
		name string
		part *Part
		want string
	}{
		{name: "text", part: NewTextPart("hello"), want: PartTypeText},
		{name: "function call", part: NewFunctionCallPart("c1", "lookup", nil), want: PartTypeFunctionCall},
		{name: "function response", part: NewFunctionResponsePart("c1", "lookup", nil), want: PartTypeFunctionResponse},
		{name: "empty", part: &Part{}, want: ""},
		{name: "nil", part: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.part.Type(); got != tt.want {
				t.Errorf("Type() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPart_Validate(t *testing.T) {
	tests := []struct {
		name    string
		part    *Part
		wantErr bool
	}{
		{name: "text only", part: NewTextPart("hi"), wantErr: false},
		{name: "function call only", part: NewFunctionCallPart("", "f", State{"a": float64(1)}), wantErr: false},
		{name: "function response only", part: NewFunctionResponsePart("", "f", nil), wantErr: false},
		{name: "nothing populated", part: &Part{}, wantErr: true},
		{name: "two payloads", part: &Part{Text: "hi", FunctionCall: &FunctionCall{Name: "f"}}, wantErr: true},
		{name: "nil part", part: nil, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.part.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidPart) {
				t.Errorf("Validate() = %v, want ErrInvalidPart", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestEvent_Validate(t *testing.T) {
	valid := func() *Event {
		return &Event{ID: "e1", Author: AuthorUser, Timestamp: 100}
	}
	tests := []struct {
		name    string
		mutate  func(*Event) *Event
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Event) *Event { return e }, wantErr: false},
		{name: "nil event", mutate: func(e *Event) *Event { return nil }, wantErr: true},
		{name: "empty id", mutate: func(e *Event) *Event { e.ID = "  "; return e }, wantErr: true},
		{name: "empty author", mutate: func(e *Event) *Event { e.Author = ""; return e }, wantErr: true},
		{name: "negative timestamp", mutate: func(e *Event) *Event { e.Timestamp = -1; return e }, wantErr: true},
		{
			name: "malformed part",
			mutate: func(e *Event) *Event {
				e.Content = &Content{Parts: []*Part{{}}}
				return e
			},
			wantErr: true,
		},
		{
			name: "well-formed content",
			mutate: func(e *Event) *Event {
				e.Content = &Content{Role: "user", Parts: []*Part{NewTextPart("Hi")}}
				return e
			},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(valid()).Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestEvent_Time(t *testing.T) {
	ev := &Event{Timestamp: 1700000000123}
	if got := ev.Time().UnixMilli(); got != 1700000000123 {
		t.Errorf("Time().UnixMilli() = %d, want 1700000000123", got)
	}
}

func TestEvent_Clone_DeepCopiesActions(t *testing.T) {
	ev := &Event{
		ID: "e1", Author: "agent", Timestamp: 1,
		Actions: EventActions{
			StateDelta:      State{"k": "v"},
			TransferToAgent: "billing",
		},
		Content: &Content{Role: "model", Parts: []*Part{
			NewFunctionCallPart("c1", "lookup", State{"q": "x"}),
		}},
	}

	cloned := ev.Clone()
	cloned.Actions.StateDelta["k"] = "changed"
	cloned.Content.Parts[0].FunctionCall.Args["q"] = "y"

	if ev.Actions.StateDelta["k"] != "v" {
		t.Error("actions mutation leaked into original event")
	}
	if ev.Content.Parts[0].FunctionCall.Args["q"] != "x" {
		t.Error("part args mutation leaked into original event")
	}
}
