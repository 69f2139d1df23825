// Package ledger talks to the authoritative ledger. Writes are idempotent per
// command id; their effects reach the read store asynchronously.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/denver/pkg/errors"
)

// Client is the ledger write surface.
type Client interface {
	// Create creates a contract and returns its ledger-assigned identifier.
	Create(ctx context.Context, templateID string, payload any, commandID, actAs string) (string, error)
	// Exercise runs a choice on an existing contract and returns the choice result.
	Exercise(ctx context.Context, contractID, templateID, choice string, args any, commandID, actAs string) (json.RawMessage, error)
}

// CommandKind distinguishes the commands of a batch.
type CommandKind string

const (
	CommandCreate   CommandKind = "create"
	CommandExercise CommandKind = "exercise"
)

// Command is one entry of an atomic multi-command submission.
type Command struct {
	Kind       CommandKind
	TemplateID string
	ContractID string // exercise only
	Choice     string // exercise only
	Argument   any    // create payload or choice argument
}

// CreateCommand builds a create entry.
func CreateCommand(templateID string, payload any) Command {
	return Command{Kind: CommandCreate, TemplateID: templateID, Argument: payload}
}

// ExerciseCommand builds an exercise entry.
func ExerciseCommand(contractID, templateID, choice string, args any) Command {
	return Command{Kind: CommandExercise, TemplateID: templateID, ContractID: contractID, Choice: choice, Argument: args}
}

// BatchSubmitter is implemented by clients able to apply several commands in
// one transaction: all of them apply or none does. Results are returned in
// command order; a create yields its contract id as a JSON string.
type BatchSubmitter interface {
	Submit(ctx context.Context, cmds []Command, commandID, actAs string) ([]json.RawMessage, error)
}

// Reason is the machine-readable cause of a rejected write.
type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonAlreadyConsumed  Reason = "already_consumed"
	ReasonDuplicateCommand Reason = "duplicate_command"
	ReasonTransient        Reason = "transient"
	ReasonRejected         Reason = "rejected"
)

// Error is returned by ledger clients for every failed write.
type Error struct {
	Reason    Reason
	Op        string
	CommandID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ledger %s (command %s): %s", e.Op, e.CommandID, e.Reason)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%s)", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Kind maps the reason into the shared error taxonomy.
func (e *Error) Kind() *errors.Error {
	switch e.Reason {
	case ReasonNotFound:
		return errors.NotFound
	case ReasonAlreadyConsumed, ReasonDuplicateCommand:
		return errors.Conflict
	case ReasonRejected:
		return errors.Invalid
	default:
		return errors.Unavailable
	}
}

// Is lets errors.IsNotFound and friends see through a ledger error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*errors.Error); ok {
		return e.Kind().Is(t)
	}
	return false
}

// ReasonOf extracts the ledger reason from err, or "" when err did not come
// from a ledger client.
func ReasonOf(err error) Reason {
	var le *Error
	if errors.As(err, &le) {
		return le.Reason
	}
	return ""
}

// Classify turns a client error into a taxonomy error carrying the ledger
// error as its cause. Context errors are treated as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind().Explain("%s", le.Error()).Because(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Unavailable.Explain("ledger write timed out").Because(err)
	}
	return errors.Unavailable.Explain("ledger unavailable").Because(err)
}
