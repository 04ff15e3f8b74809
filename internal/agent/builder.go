package agent

import (
	"errors"

	"github.com/mhollis/reeve/internal/state"
)

// ErrNoValidInput is returned when a run is started with no messages, no
// prompt, and no resumable thread history.
var ErrNoValidInput = errors.New("no valid input: provide messages, a prompt, or a resumable thread")

// resolvedContext is the outcome of context resolution for one run.
type resolvedContext struct {
	messages []state.Message

	// fromCheckpoint is true when the resolved history came from the
	// thread's checkpoint (resume or prompt-append), so the run should
	// continue the saved step counter.
	fromCheckpoint bool

	// noop marks a run that resolved to no content at all. The engine
	// completes it without invoking the model.
	noop bool
}

// resolveContext applies the input priority rule. Exactly one source
// wins; there is no partial merging:
//
//  1. Non-empty explicit messages replace everything, checkpoint
//     history included.
//  2. An explicitly empty (non-nil, zero-length) messages slice is a
//     reset: checkpoint history is dropped and the prompt ignored.
//  3. A non-empty prompt appends one user message to the checkpoint
//     history, or starts a fresh conversation if there is none.
//  4. Otherwise existing history resumes verbatim.
//  5. With none of the above, the input is invalid.
func resolveContext(opts RunOptions, history []state.Message) (resolvedContext, error) {
	switch {
	case len(opts.Messages) > 0:
		return resolvedContext{messages: state.CloneMessages(opts.Messages)}, nil

	case opts.Messages != nil:
		return resolvedContext{noop: true}, nil

	case opts.Prompt != "":
		msgs := state.CloneMessages(history)
		msgs = append(msgs, state.User(opts.Prompt))
		return resolvedContext{messages: msgs, fromCheckpoint: len(history) > 0}, nil

	case len(history) > 0:
		return resolvedContext{messages: state.CloneMessages(history), fromCheckpoint: true}, nil

	default:
		return resolvedContext{}, ErrNoValidInput
	}
}
