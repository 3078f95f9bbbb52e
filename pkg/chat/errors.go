package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrRateLimited = errors.New("rate limited")
	ErrClosed      = errors.New("closed")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// WriteError reports that storage was unavailable. It is safe to retry with
// the same message id.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return "write " + e.Op + ": " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }

// Step names one write of the send fan-out.
type Step string

const (
	StepSenderLog      Step = "sender_log"
	StepRecipientLog   Step = "recipient_log"
	StepSenderIndex    Step = "sender_index"
	StepRecipientIndex Step = "recipient_index"
)

// PartialDeliveryError: the sender's copy is durable but at least one later
// step failed after retries. Nothing is rolled back.
type PartialDeliveryError struct {
	MessageID MessageID
	SentAt    time.Time
	Failed    []Step
	Err       error
}

func (e *PartialDeliveryError) Error() string {
	steps := make([]string, 0, len(e.Failed))
	for _, s := range e.Failed {
		steps = append(steps, string(s))
	}
	return fmt.Sprintf("partial delivery of message %d (failed: %s): %v", e.MessageID, strings.Join(steps, ","), e.Err)
}

func (e *PartialDeliveryError) Unwrap() error { return e.Err }

// RecipientMissed reports whether the recipient's log lacks the message.
func (e *PartialDeliveryError) RecipientMissed() bool {
	for _, s := range e.Failed {
		if s == StepRecipientLog {
			return true
		}
	}
	return false
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsWrite(err error) bool {
	var w *WriteError
	return errors.As(err, &w)
}
