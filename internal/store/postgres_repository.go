/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the two tables the airdrop-service owns: `credits`
 * (earned engagement rewards, joined with the owner's wallet) and
 * `ledger_transactions` (durable records of on-chain submissions).
 *
 * @dependencies
 * - context, errors, math/big: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Credit and gas amounts are NUMERIC columns; they are moved in and out of the
 *   database as decimal strings and parsed into big.Int, never through floats.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kudoshq/airdrop-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUnsettledCredits returns all credits with a null settlement reference,
// joined with the owner's wallet address. Rows are ordered by creation time so
// aggregation discovers recipients deterministically.
func (r *PostgresRepository) FindUnsettledCredits(ctx context.Context) ([]domain.CreditRow, error) {
	query := `
		SELECT c.id, c.user_id, COALESCE(w.address, ''), c.amount::text,
		       c.token_symbol, c.decimals, c.action_type, c.settlement_tx_id, c.created_at
		FROM credits c
		LEFT JOIN wallets w ON w.user_id = c.user_id
		WHERE c.settlement_tx_id IS NULL
		ORDER BY c.created_at, c.id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query unsettled credits: %w", err)
	}
	defer rows.Close()

	var credits []domain.CreditRow
	for rows.Next() {
		var credit domain.CreditRow
		var amount string
		if err := rows.Scan(
			&credit.ID,
			&credit.UserID,
			&credit.WalletAddress,
			&amount,
			&credit.TokenSymbol,
			&credit.Decimals,
			&credit.ActionType,
			&credit.SettlementTxID,
			&credit.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan credit row: %w", err)
		}
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok {
			return nil, fmt.Errorf("credit %s has non-integer amount %q", credit.ID, amount)
		}
		credit.Amount = parsed
		credits = append(credits, credit)
	}
	return credits, rows.Err()
}

// StampCreditSettlement writes the settlement transaction reference onto every
// credit of a batch in one update. The reference is only ever set once: rows that
// already carry one are excluded by the predicate.
func (r *PostgresRepository) StampCreditSettlement(ctx context.Context, creditIDs []uuid.UUID, transactionID uuid.UUID) error {
	if len(creditIDs) == 0 {
		return nil
	}
	query := `
		UPDATE credits
		SET settlement_tx_id = $1, updated_at = NOW()
		WHERE id = ANY($2) AND settlement_tx_id IS NULL
	`
	tag, err := r.db.Exec(ctx, query, transactionID, creditIDs)
	if err != nil {
		return fmt.Errorf("stamp credit settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

// InsertPendingTransaction persists the PENDING row for a freshly submitted
// transaction. This must succeed before the pipeline waits for confirmation.
func (r *PostgresRepository) InsertPendingTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO ledger_transactions
			(id, hash, from_address, to_address, nonce, gas_limit, gas_price,
			 raw_payload, chain_id, chain_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, NOW(), NOW())
	`
	gasPrice := "0"
	if tx.GasPrice != nil {
		gasPrice = tx.GasPrice.String()
	}
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		strings.ToLower(tx.Hash),
		tx.FromAddress,
		tx.ToAddress,
		int64(tx.Nonce),
		int64(tx.GasLimit),
		gasPrice,
		tx.RawPayload,
		tx.ChainID,
		tx.ChainName,
		string(tx.Status),
	)
	if err != nil {
		return fmt.Errorf("insert pending transaction: %w", err)
	}
	return nil
}

// UpdateTransactionOutcome moves a PENDING row to its terminal status and attaches
// the confirmed block metadata. The predicate keeps the transition one-way.
func (r *PostgresRepository) UpdateTransactionOutcome(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus, meta domain.BlockMeta, failureReason *string) error {
	query := `
		UPDATE ledger_transactions
		SET status = $2, block_number = $3, block_hash = $4, gas_used = $5,
		    effective_gas_price = $6::numeric, failure_reason = $7, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`
	effectiveGasPrice := "0"
	if meta.EffectiveGasPrice != nil {
		effectiveGasPrice = meta.EffectiveGasPrice.String()
	}
	tag, err := r.db.Exec(ctx, query,
		transactionID,
		string(status),
		int64(meta.Number),
		meta.Hash,
		int64(meta.GasUsed),
		effectiveGasPrice,
		failureReason,
	)
	if err != nil {
		return fmt.Errorf("update transaction outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// FindTransactionByID retrieves one ledger transaction by its internal id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	return r.findTransaction(ctx, "id = $1", transactionID)
}

// FindTransactionByHash retrieves one ledger transaction by its on-chain hash.
func (r *PostgresRepository) FindTransactionByHash(ctx context.Context, hash string) (*domain.Transaction, error) {
	return r.findTransaction(ctx, "hash = $1", strings.ToLower(strings.TrimSpace(hash)))
}

func (r *PostgresRepository) findTransaction(ctx context.Context, predicate string, arg any) (*domain.Transaction, error) {
	query := `
		SELECT id, hash, from_address, to_address, nonce, gas_limit, gas_price::text,
		       raw_payload, chain_id, chain_name, status, block_number, block_hash,
		       gas_used, effective_gas_price::text, failure_reason, created_at, updated_at
		FROM ledger_transactions
		WHERE ` + predicate
	row := r.db.QueryRow(ctx, query, arg)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns ledger transactions ordered newest-first.
func (r *PostgresRepository) ListTransactions(ctx context.Context, opts ListTransactionsOptions) ([]domain.Transaction, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, hash, from_address, to_address, nonce, gas_limit, gas_price::text,
		       raw_payload, chain_id, chain_name, status, block_number, block_hash,
		       gas_used, effective_gas_price::text, failure_reason, created_at, updated_at
		FROM ledger_transactions
	`
	args := []any{}
	if status := strings.TrimSpace(strings.ToUpper(opts.Status)); status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var nonce, gasLimit int64
	var gasPrice string
	var blockNumber, gasUsed *int64
	var effectiveGasPrice *string

	err := row.Scan(
		&tx.ID,
		&tx.Hash,
		&tx.FromAddress,
		&tx.ToAddress,
		&nonce,
		&gasLimit,
		&gasPrice,
		&tx.RawPayload,
		&tx.ChainID,
		&tx.ChainName,
		&tx.Status,
		&blockNumber,
		&tx.BlockHash,
		&gasUsed,
		&effectiveGasPrice,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Nonce = uint64(nonce)
	tx.GasLimit = uint64(gasLimit)
	if parsed, ok := new(big.Int).SetString(gasPrice, 10); ok {
		tx.GasPrice = parsed
	}
	if blockNumber != nil {
		number := uint64(*blockNumber)
		tx.BlockNumber = &number
	}
	if gasUsed != nil {
		used := uint64(*gasUsed)
		tx.GasUsed = &used
	}
	if effectiveGasPrice != nil {
		if parsed, ok := new(big.Int).SetString(*effectiveGasPrice, 10); ok {
			tx.EffectiveGasPrice = parsed
		}
	}
	return &tx, nil
}
