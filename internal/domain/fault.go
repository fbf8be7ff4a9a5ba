/**
 * @description
 * This file defines the fault taxonomy used across the airdrop-service. Every error
 * that crosses a component boundary (ledger client, store, pipeline, API) is wrapped
 * in a `Fault` carrying one of the classified codes, so the pipeline can decide
 * between retrying, failing the batch, or tripping safe mode.
 *
 * @notes
 * - NETWORK_ERROR is the only retryable code. Everything unclassified is
 *   UNKNOWN_ERROR and treated as non-retryable.
 */

package domain

import (
	"errors"
	"fmt"
)

// FaultCode classifies a failure for the settlement pipeline's retry policy.
type FaultCode string

const (
	// FaultNetwork marks a transient connectivity or provider fault. Retryable.
	FaultNetwork FaultCode = "NETWORK_ERROR"
	// FaultSafeMode marks a rejection because the circuit breaker is tripped.
	FaultSafeMode FaultCode = "SAFE_MODE"
	// FaultInvalidRequest marks malformed input (empty batch, wrong token type).
	FaultInvalidRequest FaultCode = "INVALID_REQUEST"
	// FaultDBOperation marks a durable-store write failure.
	FaultDBOperation FaultCode = "DB_OPERATION_FAILED"
	// FaultUnknown marks anything unclassified. Non-retryable, trips the circuit.
	FaultUnknown FaultCode = "UNKNOWN_ERROR"
)

// Fault is the classified error type exchanged between the pipeline and its
// collaborators. TxHash is populated when a transaction was already accepted by
// the ledger so that operators can reconcile manually.
type Fault struct {
	Code   FaultCode
	Op     string
	TxHash string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Code)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Code, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// NewFault wraps err with the given classification.
func NewFault(code FaultCode, op string, err error) *Fault {
	return &Fault{Code: code, Op: op, Err: err}
}

// FaultCodeOf extracts the classification of err, defaulting to UNKNOWN_ERROR.
func FaultCodeOf(err error) FaultCode {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Code
	}
	return FaultUnknown
}

// IsRetryable reports whether err may be retried by the pipeline.
// Only network faults qualify; a logically rejected transaction will never
// succeed on retry and risks nonce corruption.
func IsRetryable(err error) bool {
	return FaultCodeOf(err) == FaultNetwork
}
