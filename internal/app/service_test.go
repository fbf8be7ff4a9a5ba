package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kudoshq/airdrop-service/internal/domain"
	"github.com/kudoshq/airdrop-service/internal/store"
)

type pipelineRepoStub struct {
	store.Repository

	mu sync.Mutex

	credits     []domain.CreditRow
	findErr     error
	findCalls   int
	findGate    chan struct{}
	findEntered chan struct{}

	insertErr   error
	insertCalls int
	insertedTx  *domain.Transaction

	updateErr     error
	updateCalls   int
	updatedStatus domain.TransactionStatus
	updatedReason *string

	stampErr    error
	stampCalls  int
	stampedIDs  []uuid.UUID
	stampedTxID uuid.UUID
}

func (s *pipelineRepoStub) FindUnsettledCredits(ctx context.Context) ([]domain.CreditRow, error) {
	s.mu.Lock()
	s.findCalls++
	gate := s.findGate
	entered := s.findEntered
	s.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	return s.credits, s.findErr
}

func (s *pipelineRepoStub) InsertPendingTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.insertErr != nil {
		return s.insertErr
	}
	// Snapshot the row as it was inserted; the pipeline mutates the same
	// struct after confirmation, and the tests assert on the insert-time state.
	snapshot := *tx
	s.insertedTx = &snapshot
	return nil
}

func (s *pipelineRepoStub) UpdateTransactionOutcome(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus, meta domain.BlockMeta, failureReason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	s.updatedStatus = status
	s.updatedReason = failureReason
	return s.updateErr
}

func (s *pipelineRepoStub) StampCreditSettlement(ctx context.Context, creditIDs []uuid.UUID, transactionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampCalls++
	if s.stampErr != nil {
		return s.stampErr
	}
	s.stampedIDs = append([]uuid.UUID(nil), creditIDs...)
	s.stampedTxID = transactionID
	return nil
}

type ledgerStub struct {
	mu          sync.Mutex
	submitErrs  []error
	submitCalls int
	awaitErrs   []error
	awaitCalls  int
	receipt     *domain.Receipt
	lastPairs   []domain.TransferPair
}

func (l *ledgerStub) SubmitBatchTransfer(ctx context.Context, pairs []domain.TransferPair) (*domain.TxHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	call := l.submitCalls
	l.submitCalls++
	l.lastPairs = pairs
	if call < len(l.submitErrs) && l.submitErrs[call] != nil {
		return nil, l.submitErrs[call]
	}
	return &domain.TxHandle{
		Hash:        "0xfeed",
		FromAddress: "0xtreasury",
		ToAddress:   "0xcontract",
		Nonce:       7,
		GasLimit:    210000,
		GasPrice:    big.NewInt(1),
	}, nil
}

func (l *ledgerStub) AwaitConfirmation(ctx context.Context, handle *domain.TxHandle, confirmations int) (*domain.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	call := l.awaitCalls
	l.awaitCalls++
	if call < len(l.awaitErrs) && l.awaitErrs[call] != nil {
		return nil, l.awaitErrs[call]
	}
	if l.receipt != nil {
		return l.receipt, nil
	}
	return &domain.Receipt{Succeeded: true, BlockNumber: 42, BlockHash: "0xb42", GasUsed: 90000, EffectiveGasPrice: big.NewInt(1)}, nil
}

type publisherStub struct {
	mu     sync.Mutex
	routes []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) published(routingKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, route := range p.routes {
		if route == routingKey {
			return true
		}
	}
	return false
}

func newTestService(repo store.Repository, ledger LedgerClient, producer *publisherStub) *Service {
	return NewService(repo, ledger, producer, Options{
		ChainID:       1337,
		ChainName:     "kudos-devnet",
		TokenSymbol:   "KUDOS",
		Confirmations: 0,
		BatchSize:     32,
		RetryAttempts: 3,
		RetryDelay:    0,
	})
}

func tokens(whole int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(whole), scale)
}

func testCredits() []domain.CreditRow {
	return []domain.CreditRow{
		{ID: uuid.New(), UserID: uuid.New(), WalletAddress: "0xA", Amount: big.NewInt(10), TokenSymbol: "KUDOS", Decimals: 18, ActionType: "post_shared"},
		{ID: uuid.New(), UserID: uuid.New(), WalletAddress: "0xA", Amount: big.NewInt(20), TokenSymbol: "KUDOS", Decimals: 18, ActionType: "referral"},
		{ID: uuid.New(), UserID: uuid.New(), WalletAddress: "0xB", Amount: big.NewInt(100), TokenSymbol: "KUDOS", Decimals: 18, ActionType: "referral"},
		{ID: uuid.New(), UserID: uuid.New(), WalletAddress: "0xA", Amount: big.NewInt(5), TokenSymbol: "KUDOS", Decimals: 18, ActionType: "comment_liked"},
	}
}

func TestTriggerSettlementRun_SettlesAndStampsCredits(t *testing.T) {
	credits := testCredits()
	repo := &pipelineRepoStub{credits: credits}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if ledger.submitCalls != 1 {
		t.Fatalf("expected one submission, got %d", ledger.submitCalls)
	}
	if len(ledger.lastPairs) != 2 {
		t.Fatalf("expected two aggregated recipients, got %d", len(ledger.lastPairs))
	}
	if ledger.lastPairs[0].Recipient != "0xA" || ledger.lastPairs[0].Amount.Cmp(tokens(35)) != 0 {
		t.Fatalf("expected 0xA to receive 35 tokens in base units, got %s for %s", ledger.lastPairs[0].Amount, ledger.lastPairs[0].Recipient)
	}
	if ledger.lastPairs[1].Recipient != "0xB" || ledger.lastPairs[1].Amount.Cmp(tokens(100)) != 0 {
		t.Fatalf("expected 0xB to receive 100 tokens in base units, got %s for %s", ledger.lastPairs[1].Amount, ledger.lastPairs[1].Recipient)
	}

	if repo.insertCalls != 1 {
		t.Fatalf("expected one pending insert, got %d", repo.insertCalls)
	}
	if repo.insertedTx.Status != domain.TxStatusPending {
		t.Fatalf("expected inserted row to be PENDING, got %s", repo.insertedTx.Status)
	}
	if repo.updatedStatus != domain.TxStatusSuccess {
		t.Fatalf("expected outcome SUCCESS, got %s", repo.updatedStatus)
	}
	if repo.stampCalls != 1 || len(repo.stampedIDs) != 4 {
		t.Fatalf("expected all four credits stamped once, got calls=%d ids=%d", repo.stampCalls, len(repo.stampedIDs))
	}
	if repo.stampedTxID != repo.insertedTx.ID {
		t.Fatal("expected credits stamped with the settlement transaction id")
	}
	if !producer.published("airdrop.settlement.completed") {
		t.Fatal("expected completed settlement event")
	}
	if svc.SafeMode().IsTripped() {
		t.Fatal("did not expect safe mode to trip on a clean run")
	}
}

func TestSubmitRetry_NetworkFaultsEventuallySucceed(t *testing.T) {
	netErr := domain.NewFault(domain.FaultNetwork, "submit", errors.New("connection refused"))
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{submitErrs: []error{netErr, netErr, nil}}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("expected run to succeed after retries, got %v", err)
	}
	if ledger.submitCalls != 3 {
		t.Fatalf("expected three submission attempts, got %d", ledger.submitCalls)
	}
	if repo.stampCalls != 1 {
		t.Fatalf("expected credits stamped once, got %d", repo.stampCalls)
	}
	if svc.SafeMode().IsTripped() {
		t.Fatal("did not expect safe mode to trip on recovered network faults")
	}
}

func TestSubmitRetry_ExhaustedNetworkFaultsDoNotTrip(t *testing.T) {
	netErr := domain.NewFault(domain.FaultNetwork, "submit", errors.New("i/o timeout"))
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{submitErrs: []error{netErr, netErr, netErr, netErr}}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	err := svc.TriggerSettlementRun(context.Background())
	if err != nil {
		// Exhausted retries fail the batch, not the run; the breaker stays closed.
		t.Fatalf("expected nil run error for batch-local fault, got %v", err)
	}
	if ledger.submitCalls != 4 {
		t.Fatalf("expected initial attempt plus three retries, got %d", ledger.submitCalls)
	}
	if repo.insertCalls != 0 {
		t.Fatal("did not expect a pending row when no submission was accepted")
	}
	if repo.stampCalls != 0 {
		t.Fatal("did not expect credits stamped when the batch failed")
	}
	if svc.SafeMode().IsTripped() {
		t.Fatal("network exhaustion must not trip safe mode")
	}
}

func TestNonNetworkSubmitFault_TripsSafeMode(t *testing.T) {
	rejectErr := domain.NewFault(domain.FaultUnknown, "submit", errors.New("execution reverted"))
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{submitErrs: []error{rejectErr}}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err == nil {
		t.Fatal("expected the run to surface the tripping fault")
	}
	if ledger.submitCalls != 1 {
		t.Fatalf("expected no retries for a non-network fault, got %d attempts", ledger.submitCalls)
	}
	if !svc.SafeMode().IsTripped() {
		t.Fatal("expected safe mode to trip on a ledger rejection")
	}
	if !producer.published("airdrop.safe_mode.tripped") {
		t.Fatal("expected safe mode event")
	}
}

func TestPersistFailure_TripsSafeModeAndSkipsStamping(t *testing.T) {
	repo := &pipelineRepoStub{credits: testCredits(), insertErr: errors.New("connection closed")}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	err := svc.TriggerSettlementRun(context.Background())
	if err == nil {
		t.Fatal("expected the run to fail when the pending row cannot be written")
	}
	var fault *domain.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected a classified fault, got %v", err)
	}
	if fault.Code != domain.FaultDBOperation {
		t.Fatalf("expected DB_OPERATION_FAILED, got %s", fault.Code)
	}
	if fault.TxHash == "" {
		t.Fatal("expected the orphaned transaction hash on the fault")
	}
	if repo.insertCalls != 1 {
		t.Fatalf("a persist failure must not be retried, got %d inserts", repo.insertCalls)
	}
	if repo.stampCalls != 0 {
		t.Fatal("did not expect credits stamped after a persist failure")
	}
	if !svc.SafeMode().IsTripped() {
		t.Fatal("expected safe mode to trip on a persist failure")
	}
}

func TestFailedReceipt_ReconcilesWithoutStamping(t *testing.T) {
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{receipt: &domain.Receipt{Succeeded: false, BlockNumber: 10, BlockHash: "0xdead", GasUsed: 21000, EffectiveGasPrice: big.NewInt(1)}}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("a failed receipt is a reconciled outcome, got error %v", err)
	}
	if repo.updatedStatus != domain.TxStatusFailed {
		t.Fatalf("expected outcome FAILED, got %s", repo.updatedStatus)
	}
	if repo.updatedReason == nil {
		t.Fatal("expected a failure reason on the reconciled row")
	}
	if repo.stampCalls != 0 {
		t.Fatal("credits must stay eligible when the transfer failed on chain")
	}
	if !producer.published("airdrop.settlement.failed") {
		t.Fatal("expected failed settlement event")
	}
	if svc.SafeMode().IsTripped() {
		t.Fatal("a clean on-chain failure must not trip safe mode")
	}
}

func TestSafeMode_RejectsRunsBeforeTouchingStores(t *testing.T) {
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)
	svc.SafeMode().Trip("manual")

	err := svc.TriggerSettlementRun(context.Background())
	if domain.FaultCodeOf(err) != domain.FaultSafeMode {
		t.Fatalf("expected SAFE_MODE fault, got %v", err)
	}
	if repo.findCalls != 0 {
		t.Fatal("a tripped breaker must reject the run before reading credits")
	}
	if ledger.submitCalls != 0 {
		t.Fatal("a tripped breaker must not reach the ledger")
	}
}

func TestSafeMode_ResetRestoresSettlement(t *testing.T) {
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	svc.SafeMode().Trip("persist failure")
	if err := svc.TriggerSettlementRun(context.Background()); err == nil {
		t.Fatal("expected rejection while tripped")
	}

	svc.SafeMode().Reset()
	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("expected run to succeed after reset, got %v", err)
	}
	if repo.stampCalls != 1 {
		t.Fatalf("expected credits stamped after reset, got %d", repo.stampCalls)
	}
}

func TestRunGuard_OverlappingTriggerIsSkipped(t *testing.T) {
	repo := &pipelineRepoStub{
		credits:     nil,
		findGate:    make(chan struct{}),
		findEntered: make(chan struct{}),
	}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	done := make(chan error, 1)
	go func() {
		done <- svc.TriggerSettlementRun(context.Background())
	}()

	<-repo.findEntered
	if !svc.IsRunActive() {
		t.Fatal("expected the first run to hold the guard")
	}

	// The overlapping trigger must return immediately without reading credits.
	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("expected overlapping trigger to be a silent no-op, got %v", err)
	}
	repo.mu.Lock()
	calls := repo.findCalls
	repo.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected the overlapping trigger to skip store reads, got %d", calls)
	}

	close(repo.findGate)
	if err := <-done; err != nil {
		t.Fatalf("expected first run to finish cleanly, got %v", err)
	}
	if svc.IsRunActive() {
		t.Fatal("expected the guard released after completion")
	}
}

func TestSubmitAirdropRequest_RejectsInvalidInput(t *testing.T) {
	repo := &pipelineRepoStub{}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	tests := []struct {
		name        string
		tokenSymbol string
		pairs       []domain.TransferPair
	}{
		{name: "unsupported token", tokenSymbol: "DOGE", pairs: []domain.TransferPair{{Recipient: "0xA", Amount: big.NewInt(1)}}},
		{name: "empty transfer list", tokenSymbol: "KUDOS", pairs: nil},
		{name: "missing recipient", tokenSymbol: "KUDOS", pairs: []domain.TransferPair{{Recipient: "", Amount: big.NewInt(1)}}},
		{name: "negative amount", tokenSymbol: "KUDOS", pairs: []domain.TransferPair{{Recipient: "0xA", Amount: big.NewInt(-5)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitAirdropRequest(context.Background(), tt.tokenSymbol, tt.pairs, nil)
			if domain.FaultCodeOf(err) != domain.FaultInvalidRequest {
				t.Fatalf("expected INVALID_REQUEST, got %v", err)
			}
		})
	}
	if ledger.submitCalls != 0 {
		t.Fatal("invalid requests must never reach the ledger")
	}
}

func TestSubmitAirdropRequest_SettlesThroughWorker(t *testing.T) {
	repo := &pipelineRepoStub{}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartWorker(ctx)

	creditID := uuid.New()
	pairs := []domain.TransferPair{{Recipient: "0xA", Amount: tokens(5)}}
	response, err := svc.SubmitAirdropRequest(ctx, "KUDOS", pairs, []uuid.UUID{creditID})
	if err != nil {
		t.Fatalf("expected settled response, got %v", err)
	}
	if response.Transaction == nil || response.Transaction.Status != domain.TxStatusSuccess {
		t.Fatalf("expected SUCCESS transaction, got %+v", response.Transaction)
	}
	if response.TotalMoved.Cmp(tokens(5)) != 0 {
		t.Fatalf("expected total moved 5 tokens, got %s", response.TotalMoved)
	}
	if repo.stampCalls != 1 || len(repo.stampedIDs) != 1 || repo.stampedIDs[0] != creditID {
		t.Fatal("expected the request's credit stamped")
	}
	if svc.correlator.PendingCount() != 0 {
		t.Fatal("expected no leaked correlator handles")
	}
}

func TestSubmitAirdropRequest_SafeModeBroadcastTerminatesWait(t *testing.T) {
	repo := &pipelineRepoStub{insertErr: errors.New("disk full")}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartWorker(ctx)

	pairs := []domain.TransferPair{{Recipient: "0xA", Amount: tokens(1)}}
	_, err := svc.SubmitAirdropRequest(ctx, "KUDOS", pairs, nil)
	if domain.FaultCodeOf(err) != domain.FaultSafeMode {
		t.Fatalf("expected SAFE_MODE broadcast to terminate the wait, got %v", err)
	}
	var fault *domain.Fault
	if !errors.As(err, &fault) || fault.TxHash == "" {
		t.Fatal("expected the broadcast fault to carry the orphaned hash")
	}
	if svc.correlator.PendingCount() != 0 {
		t.Fatal("expected no leaked correlator handles after broadcast")
	}

	// Subsequent requests are rejected up front while tripped.
	_, err = svc.SubmitAirdropRequest(ctx, "KUDOS", pairs, nil)
	if domain.FaultCodeOf(err) != domain.FaultSafeMode {
		t.Fatalf("expected immediate SAFE_MODE rejection, got %v", err)
	}
}

func TestAwaitRetry_NetworkFaultsShareBudget(t *testing.T) {
	netErr := domain.NewFault(domain.FaultNetwork, "poll receipt", errors.New("timeout"))
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{awaitErrs: []error{netErr, netErr, nil}}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("expected run to succeed after await retries, got %v", err)
	}
	if ledger.awaitCalls != 3 {
		t.Fatalf("expected three await attempts, got %d", ledger.awaitCalls)
	}
	if repo.updatedStatus != domain.TxStatusSuccess {
		t.Fatalf("expected SUCCESS outcome, got %s", repo.updatedStatus)
	}
}

func TestAwaitExhaustion_TripsSafeModeAndBlocksNextRun(t *testing.T) {
	netErr := domain.NewFault(domain.FaultNetwork, "poll receipt", errors.New("i/o timeout"))
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{awaitErrs: []error{netErr, netErr, netErr, netErr}}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	err := svc.TriggerSettlementRun(context.Background())
	if err == nil {
		t.Fatal("expected the run to surface the exhausted confirmation wait")
	}
	var fault *domain.Fault
	if !errors.As(err, &fault) || fault.TxHash == "" {
		t.Fatalf("expected the unconfirmed transaction hash on the fault, got %v", err)
	}
	if ledger.awaitCalls != 4 {
		t.Fatalf("expected initial attempt plus three retries, got %d", ledger.awaitCalls)
	}
	if repo.updateCalls != 0 {
		t.Fatal("expected the row left PENDING as the reconciliation anchor")
	}
	if repo.stampCalls != 0 {
		t.Fatal("did not expect credits stamped without a confirmed outcome")
	}
	if !svc.SafeMode().IsTripped() {
		t.Fatal("an accepted submission must not be abandoned silently; expected safe mode tripped")
	}
	if !producer.published("airdrop.safe_mode.tripped") {
		t.Fatal("expected safe mode event for the unconfirmed transaction")
	}

	// The credits are still unstamped, so a second run would re-aggregate them
	// and pay them again while the first transfer may still confirm. The
	// tripped breaker must block it.
	err = svc.TriggerSettlementRun(context.Background())
	if domain.FaultCodeOf(err) != domain.FaultSafeMode {
		t.Fatalf("expected SAFE_MODE rejection on the next run, got %v", err)
	}
	if ledger.submitCalls != 1 {
		t.Fatalf("expected no second submission for the same credits, got %d", ledger.submitCalls)
	}
	if repo.insertCalls != 1 {
		t.Fatalf("expected a single pending row, got %d", repo.insertCalls)
	}
}

func TestAwaitFault_NonNetworkTripsAndLeavesPendingRow(t *testing.T) {
	awaitErr := domain.NewFault(domain.FaultUnknown, "poll receipt", errors.New("receipt decode failed"))
	repo := &pipelineRepoStub{credits: testCredits()}
	ledger := &ledgerStub{awaitErrs: []error{awaitErr}}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err == nil {
		t.Fatal("expected the run to surface the await fault")
	}
	if repo.insertCalls != 1 {
		t.Fatal("expected the pending row persisted before awaiting")
	}
	if repo.updateCalls != 0 {
		t.Fatal("expected the row left PENDING as the reconciliation anchor")
	}
	if repo.stampCalls != 0 {
		t.Fatal("did not expect credits stamped without a persisted success")
	}
	if !svc.SafeMode().IsTripped() {
		t.Fatal("expected safe mode to trip on an unclassified await fault")
	}
}

func TestReconcile_ToleratesOutcomeUpdateFailure(t *testing.T) {
	repo := &pipelineRepoStub{credits: testCredits(), updateErr: errors.New("connection reset")}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("a lagging local record must not fail the batch, got %v", err)
	}
	if repo.stampCalls != 1 {
		t.Fatalf("expected credits stamped despite the update failure, got %d", repo.stampCalls)
	}
	if svc.SafeMode().IsTripped() {
		t.Fatal("a transient outcome-update failure must not trip safe mode")
	}
}

func TestTriggerSettlementRun_NoCreditsIsNoOp(t *testing.T) {
	repo := &pipelineRepoStub{}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("expected empty run to succeed, got %v", err)
	}
	if ledger.submitCalls != 0 {
		t.Fatal("did not expect a submission for an empty credit set")
	}
}

func TestTriggerSettlementRun_ChunksLargeCreditSets(t *testing.T) {
	var credits []domain.CreditRow
	for i := 0; i < 70; i++ {
		credits = append(credits, domain.CreditRow{
			ID:            uuid.New(),
			UserID:        uuid.New(),
			WalletAddress: "0x" + uuid.NewString(),
			Amount:        big.NewInt(1),
			TokenSymbol:   "KUDOS",
			Decimals:      18,
		})
	}
	repo := &pipelineRepoStub{credits: credits}
	ledger := &ledgerStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, ledger, producer)

	if err := svc.TriggerSettlementRun(context.Background()); err != nil {
		t.Fatalf("expected chunked run to succeed, got %v", err)
	}
	if ledger.submitCalls != 3 {
		t.Fatalf("expected 70 recipients in three batches of 32, got %d submissions", ledger.submitCalls)
	}
	if repo.stampCalls != 3 {
		t.Fatalf("expected one stamp per batch, got %d", repo.stampCalls)
	}
}

func TestSleepOrDone_ReturnsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepOrDone(ctx, time.Minute); err == nil {
		t.Fatal("expected context error from cancelled sleep")
	}
}
