// Package flow orchestrates a complete deposit or withdrawal: bridge payment
// order, optional anchor authentication and interactive KYC, and the on-chain
// payment, as one explicit state machine with ordered progress notifications.
package flow

import (
	"fmt"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

// legalTransitions defines the allowed step transitions of a transfer
// attempt. Each key is a "from" step, the value the set of valid "to" steps.
//
// authenticate/awaiting-kyc are only entered for anchor-mediated transfers;
// direct bridge transfers go straight from create-payment to
// sign-transaction. awaiting-kyc may end the attempt (deposits settle
// anchor-side with no on-chain payment from the user). Terminal steps have
// no outgoing transitions.
var legalTransitions = map[anchorengine.TransferStep]map[anchorengine.TransferStep]bool{
	anchorengine.StepIdle: {
		anchorengine.StepCreatePayment: true,
		anchorengine.StepError:         true,
	},
	anchorengine.StepCreatePayment: {
		anchorengine.StepAuthenticate:    true,
		anchorengine.StepSignTransaction: true,
		anchorengine.StepError:           true,
	},
	anchorengine.StepAuthenticate: {
		anchorengine.StepAwaitingKYC: true,
		anchorengine.StepError:       true,
	},
	anchorengine.StepAwaitingKYC: {
		anchorengine.StepSignTransaction: true,
		anchorengine.StepSuccess:         true,
		anchorengine.StepError:           true,
	},
	anchorengine.StepSignTransaction: {
		anchorengine.StepSubmitTransaction: true,
		anchorengine.StepError:             true,
	},
	anchorengine.StepSubmitTransaction: {
		anchorengine.StepSuccess: true,
		anchorengine.StepError:   true,
	},
	// Terminal steps have no outgoing transitions.
	anchorengine.StepSuccess: {},
	anchorengine.StepError:   {},
}

// validateTransition checks that a step transition is legal. Returns an
// error with code TRANSITION_INVALID otherwise.
func validateTransition(from, to anchorengine.TransferStep) error {
	validToSteps, exists := legalTransitions[from]
	if !exists {
		return errors.NewFlowError(errors.TRANSITION_INVALID,
			fmt.Sprintf("unknown source step: %s", from), nil)
	}
	if !validToSteps[to] {
		return errors.NewFlowError(errors.TRANSITION_INVALID,
			fmt.Sprintf("illegal transition from %s to %s", from, to), nil)
	}
	return nil
}
