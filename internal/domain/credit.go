/**
 * @description
 * This file defines the credit-side domain models for the airdrop-service. A credit
 * is one earned-but-unpaid engagement reward; the settlement pipeline aggregates
 * unsettled credits per wallet and pays them out in batched on-chain transfers.
 *
 * @notes
 * - Amounts are arbitrary-precision (`*big.Int`) and converted to base units with
 *   integer arithmetic only (amount × 10^decimals). Floating point would introduce
 *   rounding drift on financial quantities.
 */

package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// CreditRow is one unsettled credit joined with its owner's wallet, as returned by
// the unsettled-credits query. WalletAddress is empty when the owner has no wallet
// on file; such rows are skipped during aggregation with a warning.
type CreditRow struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	WalletAddress  string
	Amount         *big.Int
	TokenSymbol    string
	Decimals       int
	ActionType     string
	SettlementTxID *uuid.UUID
	CreatedAt      time.Time
}

// TransferPair is one (recipient, base-unit amount) entry of a batched transfer.
type TransferPair struct {
	Recipient string
	Amount    *big.Int
}

// SettlementBatch is the transient unit the pipeline submits as a single on-chain
// call: one summed transfer per recipient, capped at the configured batch size,
// plus the ids of every constituent credit so they can be stamped after success.
type SettlementBatch struct {
	CorrelationID uuid.UUID
	TokenSymbol   string
	Pairs         []TransferPair
	CreditIDs     []uuid.UUID
}

// TotalAmount sums the batch's base-unit transfer amounts.
func (b *SettlementBatch) TotalAmount() *big.Int {
	total := new(big.Int)
	for _, pair := range b.Pairs {
		if pair.Amount != nil {
			total.Add(total, pair.Amount)
		}
	}
	return total
}

// SettlementRequest is an ad-hoc settlement submitted through the correlator
// façade, outside the daily scheduled run.
type SettlementRequest struct {
	ID          uuid.UUID      `json:"id"`
	TokenSymbol string         `json:"token_symbol"`
	Pairs       []TransferPair `json:"-"`
	CreditIDs   []uuid.UUID    `json:"credit_ids,omitempty"`
}

// SettlementResponse proves on-chain inclusion of a settled batch. A caller either
// receives this or a classified error; partial success is never reported.
type SettlementResponse struct {
	RequestID   uuid.UUID    `json:"request_id"`
	Transaction *Transaction `json:"transaction"`
	TotalMoved  *big.Int     `json:"-"`
}
