package checkout

import (
	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
	"github.com/StuartGrossman/physical-btc/pkg/shipping"
	"github.com/StuartGrossman/physical-btc/pkg/store"
)

// Step is a position in the checkout flow.
type Step string

const (
	StepAmount       Step = "amount"
	StepShipping     Step = "shipping"
	StepPayment      Step = "payment"
	StepConfirmation Step = "confirmation"
	StepSuccess      Step = "success"
)

// Steps lists the flow in order.
var Steps = []Step{StepAmount, StepShipping, StepPayment, StepConfirmation, StepSuccess}

// previous is the backward edge out of each step.
var previous = map[Step]Step{
	StepShipping:     StepAmount,
	StepPayment:      StepShipping,
	StepConfirmation: StepPayment,
}

// State is a snapshot of one checkout. Intent and Method are nil until
// obtained.
type State struct {
	Step        Step
	Amount      finance.Amount
	AmountInput string
	Shipping    shipping.Info
	Intent      *payment.IntentHandle
	Method      *payment.MethodRef
	// Error is the single message shown for the current step.
	Error string
	// Processing is set while an external call is outstanding. The payment
	// control must be disabled while it is set.
	Processing bool
	Status     payment.TerminalStatus
	RecordID   store.RecordID
}

// Card returns the masked card summary, or "" before tokenization.
func (s State) Card() string {
	if s.Method == nil {
		return ""
	}
	return s.Method.Masked()
}

func (s State) clone() State {
	out := s
	if s.Intent != nil {
		h := *s.Intent
		out.Intent = &h
	}
	if s.Method != nil {
		m := *s.Method
		out.Method = &m
	}
	return out
}
