package payment

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIntentRequestFailed covers network errors, non-2xx responses and
	// malformed bodies from the intent endpoint.
	ErrIntentRequestFailed = errors.New("payment intent request failed")
	// ErrRequestTimedOut is returned when an external call exceeds its deadline.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrProcessorUnavailable is a processor failure that is not about the card.
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
)

// CardRejectedError is a processor-reported validation failure during
// tokenization. Reason is the processor's message, shown verbatim.
type CardRejectedError struct {
	Reason string
	Code   string
}

func (e *CardRejectedError) Error() string {
	return e.Reason
}

// ConfirmationFailedError is a processor-reported failure at capture time.
// The intent handle stays valid for another attempt.
type ConfirmationFailedError struct {
	Reason string
	Code   string
}

func (e *ConfirmationFailedError) Error() string {
	return e.Reason
}

// WrapTimeout marks deadline errors with ErrRequestTimedOut and passes
// everything else through.
func WrapTimeout(err error) error {
	if err == nil || errors.Is(err, ErrRequestTimedOut) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRequestTimedOut, err)
	}
	return err
}
