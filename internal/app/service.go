/**
 * @description
 * This file contains the core business logic for the airdrop-service. The
 * `Service` struct owns the settlement pipeline: it aggregates unsettled credits
 * into batches, submits each batch to the ledger, persists the PENDING
 * transaction row before waiting for confirmation, reconciles the row with the
 * receipt, and stamps the settled credits. It also owns the retry policy, the
 * safe-mode circuit breaker and the run guard.
 *
 * Key decisions:
 * - Batches are settled strictly sequentially; the submitting account has a
 *   single nonce sequence and this design deliberately avoids explicit nonce
 *   management.
 * - Only NETWORK_ERROR faults are retried, with a bounded count and a fixed
 *   delay. No exponential backoff: the ledger's transaction pool already
 *   smooths short outages.
 * - A failure to persist the PENDING row is never retried. A duplicate on-chain
 *   submission would be worse than an unpersisted transaction, so the pipeline
 *   trips safe mode and surfaces the hash for manual reconciliation.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For correlation and transaction ids.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Settlement lifecycle events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kudoshq/airdrop-service/internal/domain"
	"github.com/kudoshq/airdrop-service/internal/store"
	"github.com/kudoshq/airdrop-service/pkg/rabbitmq"
)

const (
	// DefaultSubmitRetries is how many times a NETWORK_ERROR submission is retried
	// after the initial attempt.
	DefaultSubmitRetries = 3
	// DefaultRetryDelay is the fixed pause before each retry.
	DefaultRetryDelay = 30 * time.Second
)

// LedgerClient is the contract the pipeline needs from the ledger: submit one
// batched transfer and block until the requested confirmation depth.
type LedgerClient interface {
	SubmitBatchTransfer(ctx context.Context, pairs []domain.TransferPair) (*domain.TxHandle, error)
	AwaitConfirmation(ctx context.Context, handle *domain.TxHandle, confirmations int) (*domain.Receipt, error)
}

// Options carries the settlement policy knobs from configuration.
type Options struct {
	ChainID       int64
	ChainName     string
	TokenSymbol   string
	Confirmations int
	BatchSize     int
	RetryAttempts int
	RetryDelay    time.Duration
}

// Service provides the core business logic for airdrop settlement.
type Service struct {
	repo       store.Repository
	ledger     LedgerClient
	producer   rabbitmq.Publisher
	safeMode   *SafeMode
	correlator *Correlator

	chainID       int64
	chainName     string
	tokenSymbol   string
	confirmations int
	batchSize     int
	retryAttempts int
	retryDelay    time.Duration

	guard    runGuard
	submitMu sync.Mutex
	requests chan *domain.SettlementRequest
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, ledger LedgerClient, producer rabbitmq.Publisher, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = DefaultSubmitRetries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Service{
		repo:          repo,
		ledger:        ledger,
		producer:      producer,
		safeMode:      NewSafeMode(),
		correlator:    NewCorrelator(),
		chainID:       opts.ChainID,
		chainName:     opts.ChainName,
		tokenSymbol:   opts.TokenSymbol,
		confirmations: opts.Confirmations,
		batchSize:     opts.BatchSize,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
		requests:      make(chan *domain.SettlementRequest, 16),
	}
}

// SafeMode exposes the breaker for the operator API.
func (s *Service) SafeMode() *SafeMode {
	return s.safeMode
}

// IsRunActive reports whether a settlement run is currently executing.
func (s *Service) IsRunActive() bool {
	return s.guard.active()
}

// StartWorker launches the single pipeline worker that serializes ad-hoc
// settlement requests. It returns once ctx is cancelled.
func (s *Service) StartWorker(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case request := <-s.requests:
				s.processRequest(ctx, request)
			}
		}
	}()
}

// TriggerSettlementRun is the periodic entry point. It is idempotent-safe: a
// second overlapping invocation logs a warning and returns immediately without
// touching the stores.
func (s *Service) TriggerSettlementRun(ctx context.Context) error {
	if !s.guard.begin() {
		log.Printf("level=warn component=pipeline msg=\"settlement run already executing; skipping trigger\"")
		return nil
	}
	defer s.guard.end()

	if s.safeMode.IsTripped() {
		log.Printf("level=warn component=pipeline msg=\"settlement run rejected; safe mode is tripped\"")
		return domain.NewFault(domain.FaultSafeMode, "settlement run", errors.New("safe mode is tripped"))
	}

	credits, err := s.repo.FindUnsettledCredits(ctx)
	if err != nil {
		return domain.NewFault(domain.FaultDBOperation, "load unsettled credits", err)
	}

	batches := AggregateCredits(credits, s.tokenSymbol, s.batchSize)
	if len(batches) == 0 {
		log.Printf("level=info component=pipeline msg=\"no unsettled credits; run is a no-op\"")
		return nil
	}
	log.Printf("level=info component=pipeline msg=\"settlement run started\" credits=%d batches=%d", len(credits), len(batches))

	var tripErr error
	for i := range batches {
		batch := batches[i]
		if _, _, err := s.settleBatch(ctx, &batch); err != nil {
			log.Printf("level=error component=pipeline msg=\"batch settlement failed\" correlation_id=%s code=%s credits=%d err=%v",
				batch.CorrelationID, domain.FaultCodeOf(err), len(batch.CreditIDs), err)
			// A tripped breaker halts the remainder of the run; a batch-local
			// fault (e.g. exhausted submission retries) does not.
			if s.safeMode.IsTripped() {
				tripErr = err
				break
			}
			continue
		}
	}
	log.Printf("level=info component=pipeline msg=\"settlement run finished\" tripped=%t", s.safeMode.IsTripped())
	return tripErr
}

// SubmitAirdropRequest is the programmatic façade for ad-hoc settlements outside
// the daily run. The request travels through the correlator to the single
// pipeline worker; the caller blocks until a response, a classified error, or
// the safe-mode broadcast terminates the wait.
func (s *Service) SubmitAirdropRequest(ctx context.Context, tokenSymbol string, pairs []domain.TransferPair, creditIDs []uuid.UUID) (*domain.SettlementResponse, error) {
	if err := s.validateRequest(tokenSymbol, pairs); err != nil {
		return nil, err
	}
	if s.safeMode.IsTripped() {
		log.Printf("level=warn component=pipeline msg=\"airdrop request rejected; safe mode is tripped\"")
		return nil, domain.NewFault(domain.FaultSafeMode, "airdrop request", errors.New("safe mode is tripped"))
	}

	request := &domain.SettlementRequest{
		ID:          uuid.New(),
		TokenSymbol: tokenSymbol,
		Pairs:       pairs,
		CreditIDs:   creditIDs,
	}
	handle := s.correlator.Register(request.ID)

	select {
	case s.requests <- request:
	case <-ctx.Done():
		s.correlator.take(request.ID)
		return nil, ctx.Err()
	}

	return s.correlator.Await(ctx, handle)
}

func (s *Service) validateRequest(tokenSymbol string, pairs []domain.TransferPair) error {
	if !strings.EqualFold(strings.TrimSpace(tokenSymbol), s.tokenSymbol) {
		return domain.NewFault(domain.FaultInvalidRequest, "airdrop request",
			fmt.Errorf("unsupported token type %q", tokenSymbol))
	}
	if len(pairs) == 0 {
		return domain.NewFault(domain.FaultInvalidRequest, "airdrop request", errors.New("empty transfer list"))
	}
	for _, pair := range pairs {
		if strings.TrimSpace(pair.Recipient) == "" {
			return domain.NewFault(domain.FaultInvalidRequest, "airdrop request", errors.New("transfer without recipient"))
		}
		if pair.Amount == nil || pair.Amount.Sign() < 0 {
			return domain.NewFault(domain.FaultInvalidRequest, "airdrop request",
				fmt.Errorf("invalid amount for recipient %s", pair.Recipient))
		}
	}
	return nil
}

func (s *Service) processRequest(ctx context.Context, request *domain.SettlementRequest) {
	batch := &domain.SettlementBatch{
		CorrelationID: request.ID,
		TokenSymbol:   request.TokenSymbol,
		Pairs:         request.Pairs,
		CreditIDs:     request.CreditIDs,
	}

	tx, totalMoved, err := s.settleBatch(ctx, batch)
	if err != nil {
		// When the batch tripped safe mode the broadcast has already terminated
		// this wait; Reject on a taken handle is a no-op.
		s.correlator.Reject(request.ID, err)
		return
	}
	s.correlator.Resolve(request.ID, &domain.SettlementResponse{
		RequestID:   request.ID,
		Transaction: tx,
		TotalMoved:  totalMoved,
	})
}

// settleBatch runs one batch through the pipeline state machine:
// CREATED -> SUBMITTING -> SUBMITTED -> PENDING_PERSISTED ->
// AWAITING_CONFIRMATION -> RECONCILED.
func (s *Service) settleBatch(ctx context.Context, batch *domain.SettlementBatch) (*domain.Transaction, *big.Int, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	// CREATED -> SUBMITTING is guarded by the breaker.
	if s.safeMode.IsTripped() {
		log.Printf("level=warn component=pipeline msg=\"batch rejected; safe mode is tripped\" correlation_id=%s", batch.CorrelationID)
		return nil, nil, domain.NewFault(domain.FaultSafeMode, "settle batch", errors.New("safe mode is tripped"))
	}

	handle, err := s.submitWithRetry(ctx, batch)
	if err != nil {
		return nil, nil, err
	}

	// SUBMITTED -> PENDING_PERSISTED. The PENDING row must exist before the
	// pipeline waits for confirmation; if this write fails it is NOT retried,
	// because resubmitting an already-accepted transaction risks double-paying.
	tx := s.newPendingTransaction(handle)
	if err := s.repo.InsertPendingTransaction(ctx, tx); err != nil {
		s.tripSafeMode("pending transaction persist failed", handle.Hash, err)
		return nil, nil, &domain.Fault{
			Code:   domain.FaultDBOperation,
			Op:     "persist pending transaction",
			TxHash: handle.Hash,
			Err:    err,
		}
	}

	// PENDING_PERSISTED -> AWAITING_CONFIRMATION.
	receipt, err := s.awaitWithRetry(ctx, handle)
	if err != nil {
		return nil, nil, err
	}

	// AWAITING_CONFIRMATION -> RECONCILED.
	return s.reconcile(ctx, batch, tx, receipt)
}

// submitWithRetry performs the SUBMITTING step. Network faults are retried with
// a fixed delay up to the configured budget; exhausting the budget fails the
// batch without tripping the breaker. Any other fault trips safe mode
// immediately: retrying a logically rejected transaction will never succeed and
// risks nonce corruption.
func (s *Service) submitWithRetry(ctx context.Context, batch *domain.SettlementBatch) (*domain.TxHandle, error) {
	attempts := s.retryAttempts + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		handle, err := s.ledger.SubmitBatchTransfer(ctx, batch.Pairs)
		if err == nil {
			log.Printf("level=info component=pipeline msg=\"batch submitted\" correlation_id=%s hash=%s recipients=%d attempt=%d",
				batch.CorrelationID, handle.Hash, len(batch.Pairs), attempt)
			return handle, nil
		}

		if !domain.IsRetryable(err) {
			s.tripSafeMode("ledger rejected batch submission", "", err)
			return nil, err
		}

		lastErr = err
		if attempt < attempts {
			log.Printf("level=warn component=pipeline msg=\"network fault during submission; retrying\" correlation_id=%s attempt=%d max_attempts=%d delay=%s err=%v",
				batch.CorrelationID, attempt, attempts, s.retryDelay, err)
			if err := sleepOrDone(ctx, s.retryDelay); err != nil {
				return nil, err
			}
		}
	}

	// Pure network exhaustion fails the batch but leaves the breaker alone.
	return nil, lastErr
}

// awaitWithRetry performs the AWAITING_CONFIRMATION step. Re-polling a receipt
// cannot double-pay, so network faults share the bounded retry budget; any
// other fault trips the breaker and leaves the PENDING row as the
// reconciliation anchor. Unlike submission, exhausting the budget here also
// trips: the ledger already accepted this transaction, and letting the batch
// fail quietly would allow the next run to re-aggregate the same credits and
// pay them a second time while the first transfer may still confirm.
func (s *Service) awaitWithRetry(ctx context.Context, handle *domain.TxHandle) (*domain.Receipt, error) {
	attempts := s.retryAttempts + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		receipt, err := s.ledger.AwaitConfirmation(ctx, handle, s.confirmations)
		if err == nil {
			return receipt, nil
		}

		if !domain.IsRetryable(err) {
			s.tripSafeMode("confirmation wait failed", handle.Hash, err)
			return nil, err
		}

		lastErr = err
		if attempt < attempts {
			log.Printf("level=warn component=pipeline msg=\"network fault awaiting confirmation; retrying\" hash=%s attempt=%d max_attempts=%d err=%v",
				handle.Hash, attempt, attempts, err)
			if err := sleepOrDone(ctx, s.retryDelay); err != nil {
				return nil, err
			}
		}
	}

	s.tripSafeMode("confirmation wait exhausted its retry budget", handle.Hash, lastErr)
	return nil, &domain.Fault{
		Code:   domain.FaultNetwork,
		Op:     "await confirmation",
		TxHash: handle.Hash,
		Err:    lastErr,
	}
}

// reconcile updates the transaction row with the receipt outcome, stamps the
// constituent credits on success, answers the caller and publishes the
// settlement event. A transient row-update failure is tolerated: the on-chain
// state is the source of truth even when the local record lags.
func (s *Service) reconcile(ctx context.Context, batch *domain.SettlementBatch, tx *domain.Transaction, receipt *domain.Receipt) (*domain.Transaction, *big.Int, error) {
	status := domain.TxStatusSuccess
	var failureReason *string
	if !receipt.Succeeded {
		status = domain.TxStatusFailed
		reason := "ledger receipt reported failure"
		failureReason = &reason
	}

	totalMoved := batch.TotalAmount()
	if event := receipt.BatchTransferEvent(); event != nil {
		totalMoved = event.TotalAmount
	} else if receipt.Succeeded {
		log.Printf("level=warn component=pipeline msg=\"receipt missing batch transfer event; using aggregated total\" hash=%s", tx.Hash)
	}

	meta := receipt.BlockMeta()
	if err := s.repo.UpdateTransactionOutcome(ctx, tx.ID, status, meta, failureReason); err != nil {
		log.Printf("level=warn component=pipeline msg=\"transaction outcome update failed; continuing with in-memory record\" tx_id=%s hash=%s err=%v",
			tx.ID, tx.Hash, err)
	}

	tx.Status = status
	tx.BlockNumber = &meta.Number
	tx.BlockHash = &meta.Hash
	tx.GasUsed = &meta.GasUsed
	tx.EffectiveGasPrice = meta.EffectiveGasPrice
	tx.FailureReason = failureReason

	// The settlement reference is set exactly once and only after a durably
	// persisted successful outcome.
	if status == domain.TxStatusSuccess && len(batch.CreditIDs) > 0 {
		if err := s.repo.StampCreditSettlement(ctx, batch.CreditIDs, tx.ID); err != nil {
			log.Printf("level=error component=pipeline msg=\"credit stamping failed; credits remain eligible\" tx_id=%s credits=%d err=%v",
				tx.ID, len(batch.CreditIDs), err)
		}
	}

	s.publishSettlementEvent(ctx, batch, tx, totalMoved)
	log.Printf("level=info component=pipeline msg=\"batch reconciled\" correlation_id=%s hash=%s status=%s total_moved=%s",
		batch.CorrelationID, tx.Hash, tx.Status, totalMoved.String())
	return tx, totalMoved, nil
}

func (s *Service) newPendingTransaction(handle *domain.TxHandle) *domain.Transaction {
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:          uuid.New(),
		Hash:        handle.Hash,
		FromAddress: handle.FromAddress,
		ToAddress:   handle.ToAddress,
		Nonce:       handle.Nonce,
		GasLimit:    handle.GasLimit,
		GasPrice:    handle.GasPrice,
		RawPayload:  handle.RawPayload,
		ChainID:     s.chainID,
		ChainName:   s.chainName,
		Status:      domain.TxStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// tripSafeMode latches the breaker, terminates every outstanding correlator
// wait, and publishes the safe-mode event. The hash, when known, travels with
// the broadcast so operators can reconcile the orphaned transaction manually.
func (s *Service) tripSafeMode(reason, txHash string, cause error) {
	s.safeMode.Trip(reason)
	log.Printf("level=error component=pipeline msg=\"safe mode tripped\" reason=%q tx_hash=%s err=%v", reason, txHash, cause)

	s.correlator.BroadcastFailure(&domain.Fault{
		Code:   domain.FaultSafeMode,
		Op:     "settlement pipeline",
		TxHash: txHash,
		Err:    fmt.Errorf("safe mode tripped: %s", reason),
	})

	if s.producer != nil {
		event := domain.SafeModeEvent{Reason: reason, TxHash: txHash, Timestamp: time.Now().UTC()}
		if err := s.producer.Publish(context.Background(), rabbitmq.EventsExchange, rabbitmq.RouteSafeModeTripped, event); err != nil {
			log.Printf("level=warn component=pipeline msg=\"safe mode event publish failed\" err=%v", err)
		}
	}
}

func (s *Service) publishSettlementEvent(ctx context.Context, batch *domain.SettlementBatch, tx *domain.Transaction, totalMoved *big.Int) {
	if s.producer == nil {
		return
	}
	routingKey := rabbitmq.RouteSettlementCompleted
	if tx.Status != domain.TxStatusSuccess {
		routingKey = rabbitmq.RouteSettlementFailed
	}
	event := domain.SettlementEvent{
		RequestID:     batch.CorrelationID,
		TransactionID: tx.ID,
		Hash:          tx.Hash,
		Status:        string(tx.Status),
		TokenSymbol:   batch.TokenSymbol,
		TotalAmount:   totalMoved.String(),
		Recipients:    len(batch.Pairs),
		Timestamp:     time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, rabbitmq.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=pipeline msg=\"settlement event publish failed\" tx_id=%s err=%v", tx.ID, err)
	}
}

// GetTransactionByID exposes one ledger transaction for the operator API.
func (s *Service) GetTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

// ListTransactions exposes the transaction history for the operator API.
func (s *Service) ListTransactions(ctx context.Context, opts store.ListTransactionsOptions) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, opts)
}

func sleepOrDone(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
