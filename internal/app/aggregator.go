/**
 * @description
 * This file implements the batch aggregator: it turns the set of unsettled
 * credits into per-recipient summed transfers and chunks them into fixed-size
 * settlement batches, each of which becomes a single on-chain call.
 *
 * @notes
 * - Conversion to base units is integer-only: amount × 10^decimals via big.Int.
 * - Recipients are kept in discovery order; batches preserve that order because
 *   they are settled strictly sequentially against a shared nonce sequence.
 * - A recipient whose credits net to zero is still included so its credits get
 *   stamped as settled.
 */

package app

import (
	"log"
	"math/big"

	"github.com/google/uuid"

	"github.com/kudoshq/airdrop-service/internal/domain"
)

// DefaultBatchSize bounds how many recipients go into one on-chain call.
const DefaultBatchSize = 32

type recipientTotal struct {
	wallet    string
	amount    *big.Int
	creditIDs []uuid.UUID
}

// AggregateCredits groups unsettled credits by recipient wallet, sums each
// recipient's amounts in base units, and partitions the recipients into batches
// of at most batchSize. Credits without a wallet on file are skipped with a
// warning; an empty eligible set yields zero batches.
func AggregateCredits(credits []domain.CreditRow, tokenSymbol string, batchSize int) []domain.SettlementBatch {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	totals := make(map[string]*recipientTotal)
	order := make([]string, 0, len(credits))

	for _, credit := range credits {
		if credit.SettlementTxID != nil {
			// Already settled; the unsettled query should not have returned it.
			log.Printf("level=warn component=aggregator msg=\"skipping credit with settlement reference\" credit_id=%s", credit.ID)
			continue
		}
		if credit.WalletAddress == "" {
			log.Printf("level=warn component=aggregator msg=\"skipping credit without wallet\" credit_id=%s user_id=%s", credit.ID, credit.UserID)
			continue
		}
		if credit.Amount == nil {
			log.Printf("level=warn component=aggregator msg=\"skipping credit without amount\" credit_id=%s", credit.ID)
			continue
		}

		total, seen := totals[credit.WalletAddress]
		if !seen {
			total = &recipientTotal{wallet: credit.WalletAddress, amount: new(big.Int)}
			totals[credit.WalletAddress] = total
			order = append(order, credit.WalletAddress)
		}
		total.amount.Add(total.amount, toBaseUnits(credit.Amount, credit.Decimals))
		total.creditIDs = append(total.creditIDs, credit.ID)
	}

	var batches []domain.SettlementBatch
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}

		batch := domain.SettlementBatch{
			CorrelationID: uuid.New(),
			TokenSymbol:   tokenSymbol,
		}
		for _, wallet := range order[start:end] {
			total := totals[wallet]
			batch.Pairs = append(batch.Pairs, domain.TransferPair{
				Recipient: total.wallet,
				Amount:    total.amount,
			})
			batch.CreditIDs = append(batch.CreditIDs, total.creditIDs...)
		}
		batches = append(batches, batch)
	}
	return batches
}

// toBaseUnits converts a credit amount to base units: amount × 10^decimals.
func toBaseUnits(amount *big.Int, decimals int) *big.Int {
	if decimals <= 0 {
		return new(big.Int).Set(amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(amount, scale)
}
