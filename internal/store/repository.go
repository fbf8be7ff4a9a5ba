/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * the airdrop-service needs: reading unsettled credits, persisting ledger
 * transactions, and stamping credits with their settlement reference. Keeping the
 * interface separate from the PostgreSQL implementation lets the pipeline be
 * tested against small stubs.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/kudoshq/airdrop-service/internal/domain"
)

var (
	ErrTransactionNotFound = errors.New("ledger transaction not found")
	ErrCreditNotFound      = errors.New("credit not found")
)

// ListTransactionsOptions controls pagination and filtering for the transaction
// listing endpoint.
type ListTransactionsOptions struct {
	Limit  int
	Offset int
	Status string
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Credit methods. FindUnsettledCredits returns only credits whose settlement
	// reference is null, joined with the owner's wallet; a credit that already
	// bears a reference is never returned again.
	FindUnsettledCredits(ctx context.Context) ([]domain.CreditRow, error)
	StampCreditSettlement(ctx context.Context, creditIDs []uuid.UUID, transactionID uuid.UUID) error

	// Ledger transaction methods. InsertPendingTransaction must complete before
	// the pipeline starts waiting for confirmation; the PENDING row is the
	// crash-recovery anchor for in-flight transfers.
	InsertPendingTransaction(ctx context.Context, tx *domain.Transaction) error
	UpdateTransactionOutcome(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus, meta domain.BlockMeta, failureReason *string) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByHash(ctx context.Context, hash string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, opts ListTransactionsOptions) ([]domain.Transaction, error)
}
