package agent

import (
	"errors"
	"testing"

	"github.com/mhollis/reeve/internal/state"
)

func TestResolveContextPriority(t *testing.T) {
	history := []state.Message{
		state.System("you are helpful"),
		state.User("earlier question"),
		state.Assistant("earlier answer"),
	}
	explicit := []state.Message{state.User("explicit turn")}

	tests := []struct {
		name           string
		opts           RunOptions
		history        []state.Message
		wantLen        int
		wantFirst      string
		wantCheckpoint bool
		wantNoop       bool
		wantErr        bool
	}{
		{
			name:      "explicit messages replace checkpoint and prompt",
			opts:      RunOptions{Messages: explicit, Prompt: "ignored"},
			history:   history,
			wantLen:   1,
			wantFirst: "explicit turn",
		},
		{
			name:     "explicit empty messages reset despite prompt",
			opts:     RunOptions{Messages: []state.Message{}, Prompt: "ignored"},
			history:  history,
			wantNoop: true,
		},
		{
			name:           "prompt appends to checkpoint history",
			opts:           RunOptions{Prompt: "new question"},
			history:        history,
			wantLen:        4,
			wantFirst:      "you are helpful",
			wantCheckpoint: true,
		},
		{
			name:      "prompt starts fresh without history",
			opts:      RunOptions{Prompt: "new question"},
			wantLen:   1,
			wantFirst: "new question",
		},
		{
			name:           "bare resume replays history verbatim",
			opts:           RunOptions{},
			history:        history,
			wantLen:        3,
			wantFirst:      "you are helpful",
			wantCheckpoint: true,
		},
		{
			name:    "nothing at all is invalid",
			opts:    RunOptions{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := resolveContext(tt.opts, tt.history)
			if tt.wantErr {
				if !errors.Is(err, ErrNoValidInput) {
					t.Fatalf("err = %v, want ErrNoValidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveContext: %v", err)
			}
			if resolved.noop != tt.wantNoop {
				t.Fatalf("noop = %v, want %v", resolved.noop, tt.wantNoop)
			}
			if tt.wantNoop {
				return
			}
			if len(resolved.messages) != tt.wantLen {
				t.Fatalf("got %d messages, want %d", len(resolved.messages), tt.wantLen)
			}
			if resolved.messages[0].Content != tt.wantFirst {
				t.Errorf("first message = %q, want %q", resolved.messages[0].Content, tt.wantFirst)
			}
			if resolved.fromCheckpoint != tt.wantCheckpoint {
				t.Errorf("fromCheckpoint = %v, want %v", resolved.fromCheckpoint, tt.wantCheckpoint)
			}
		})
	}
}

func TestResolveContextIsolatesInput(t *testing.T) {
	explicit := []state.Message{state.User("original")}
	resolved, err := resolveContext(RunOptions{Messages: explicit}, nil)
	if err != nil {
		t.Fatalf("resolveContext: %v", err)
	}
	resolved.messages[0].Content = "mutated"
	if explicit[0].Content != "original" {
		t.Error("resolved messages alias the caller's slice")
	}
}
