/**
 * @description
 * This file defines the transaction-side domain models for the airdrop-service.
 * A Transaction is the durable record of one on-chain submission; it is written
 * with status PENDING before the pipeline waits for confirmation, which makes the
 * row the crash-recovery anchor for in-flight transfers.
 *
 * @notes
 * - A row moves exactly once from PENDING to a terminal status and is never
 *   deleted.
 * - Block metadata stays null until the transaction is confirmed.
 */

package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle state of a submitted ledger transaction.
type TransactionStatus string

const (
	TxStatusPending TransactionStatus = "PENDING"
	TxStatusSuccess TransactionStatus = "SUCCESS"
	TxStatusFailed  TransactionStatus = "FAILED"
)

// Transaction maps to the `ledger_transactions` table.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	Hash              string            `json:"hash"`
	FromAddress       string            `json:"from_address"`
	ToAddress         string            `json:"to_address"`
	Nonce             uint64            `json:"nonce"`
	GasLimit          uint64            `json:"gas_limit"`
	GasPrice          *big.Int          `json:"-"`
	RawPayload        []byte            `json:"-"`
	ChainID           int64             `json:"chain_id"`
	ChainName         string            `json:"chain_name"`
	Status            TransactionStatus `json:"status"`
	BlockNumber       *uint64           `json:"block_number,omitempty"`
	BlockHash         *string           `json:"block_hash,omitempty"`
	GasUsed           *uint64           `json:"gas_used,omitempty"`
	EffectiveGasPrice *big.Int          `json:"-"`
	FailureReason     *string           `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// TxHandle is what the ledger client returns immediately after a submission was
// accepted into the transaction pool. It carries everything needed to persist the
// PENDING row and to poll for the receipt later.
type TxHandle struct {
	Hash        string
	FromAddress string
	ToAddress   string
	Nonce       uint64
	GasLimit    uint64
	GasPrice    *big.Int
	RawPayload  []byte
}

// BlockMeta is the chain metadata attached to a transaction once confirmed.
type BlockMeta struct {
	Number            uint64
	Hash              string
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// LedgerEvent is one event emitted by the ledger during transaction execution.
// The pipeline looks for the "BatchTransfer" event to learn the authoritative
// total amount moved.
type LedgerEvent struct {
	Name           string
	TotalAmount    *big.Int
	RecipientCount uint64
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	Succeeded         bool
	BlockNumber       uint64
	BlockHash         string
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Events            []LedgerEvent
}

// BatchTransferEvent returns the receipt's BatchTransfer event, if present.
func (r *Receipt) BatchTransferEvent() *LedgerEvent {
	for i := range r.Events {
		if r.Events[i].Name == "BatchTransfer" {
			return &r.Events[i]
		}
	}
	return nil
}

// BlockMeta extracts the confirmed chain metadata from the receipt.
func (r *Receipt) BlockMeta() BlockMeta {
	return BlockMeta{
		Number:            r.BlockNumber,
		Hash:              r.BlockHash,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
	}
}

// SettlementEvent is the message payload published to RabbitMQ when a batch
// reaches a terminal state. Amounts travel as decimal strings so consumers do not
// need big-integer JSON support.
type SettlementEvent struct {
	RequestID     uuid.UUID `json:"request_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Hash          string    `json:"hash"`
	Status        string    `json:"status"`
	TokenSymbol   string    `json:"token_symbol"`
	TotalAmount   string    `json:"total_amount"`
	Recipients    int       `json:"recipients"`
	Timestamp     time.Time `json:"timestamp"`
}

// SafeModeEvent is published when the circuit breaker trips.
type SafeModeEvent struct {
	Reason    string    `json:"reason"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
