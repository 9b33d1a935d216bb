package checkout

import "errors"

var (
	ErrWrongStep     = errors.New("operation not allowed at this step")
	ErrBusy          = errors.New("a request is already in progress")
	ErrIntentMissing = errors.New("payment is not ready yet")
	ErrStaleIntent   = errors.New("payment intent was issued for a different amount")
	ErrSuperseded    = errors.New("checkout moved on before the request completed")
	ErrCannotGoBack  = errors.New("cannot go back from this step")
)

// Messages shown to the buyer when the cause is not the processor's own text.
const (
	msgIntentFailed   = "Could not start the payment. Please try again."
	msgIntentTimeout  = "The payment service did not respond in time. Please try again."
	msgCardFailed     = "We could not verify your card. Please try again."
	msgCardTimeout    = "Card verification timed out. Please try again."
	msgConfirmFailed  = "Your payment could not be completed. Please try again."
	msgConfirmTimeout = "The payment is taking longer than expected. Please try again."
	msgRequiresAction = "Additional authentication is required to complete this payment."
	msgStaleIntent    = "The amount changed. Please re-enter your payment details."
)
