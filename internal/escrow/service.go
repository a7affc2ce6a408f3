package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/idgen"
	"github.com/satsafe/escrowd/internal/syncutil"
	"github.com/satsafe/escrowd/internal/traces"
	"github.com/satsafe/escrowd/internal/utxo"
	"github.com/satsafe/escrowd/internal/validation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxReasonLen     = 500
	maxTagLen        = 100
	maxRiskTags      = 20
	riskTimeout      = 30 * time.Second
)

// Service implements escrow business logic.
type Service struct {
	store     Store
	registry  utxo.Registry
	ledger    LedgerService
	addresses AddressIssuer
	authz     Authorizer
	chain     DepositVerifier
	risk      RiskAssessor
	events    EventSink
	logger    *slog.Logger
	now       func() time.Time

	confirmations map[btc.Currency]uint32

	// locks serializes every mutation of one escrow, including deposit
	// attribution, so a record is never computed from a stale read.
	locks *syncutil.KeyedMutex
	bg    sync.WaitGroup
}

// NewService creates a new escrow service.
func NewService(store Store, registry utxo.Registry, ledger LedgerService, addresses AddressIssuer) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		ledger:    ledger,
		addresses: addresses,
		logger:    slog.Default(),
		now:       time.Now,
		confirmations: map[btc.Currency]uint32{
			btc.BTC:   6,
			btc.CkBTC: 1,
		},
		locks: syncutil.NewKeyedMutex(),
	}
}

// WithAuthorizer sets the capability checker for resolver and admin calls.
func (s *Service) WithAuthorizer(a Authorizer) *Service {
	s.authz = a
	return s
}

// WithDepositVerifier lets participants report BTC deposits. Their notices
// are checked against the chain and only the observed output is applied.
func (s *Service) WithDepositVerifier(v DepositVerifier) *Service {
	s.chain = v
	return s
}

// WithRiskAssessor enables asynchronous AI scoring once an escrow is funded.
func (s *Service) WithRiskAssessor(r RiskAssessor) *Service {
	s.risk = r
	return s
}

// WithEvents adds an event sink for lifecycle notifications.
func (s *Service) WithEvents(e EventSink) *Service {
	s.events = e
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithRequiredConfirmations sets how many confirmations a UTXO needs before
// it counts toward funding.
func (s *Service) WithRequiredConfirmations(currency btc.Currency, n uint32) *Service {
	s.confirmations[currency] = n
	return s
}

// RequiredConfirmations returns the funding threshold for a currency.
func (s *Service) RequiredConfirmations(currency btc.Currency) uint32 {
	return s.confirmations[currency]
}

// Wait blocks until background risk assessments finish.
func (s *Service) Wait() {
	s.bg.Wait()
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.LockContext(ctx, id)
}

func (s *Service) allowed(ctx context.Context, principal, capability string) bool {
	return s.authz != nil && principal != "" && s.authz.Allowed(ctx, principal, capability)
}

// Create opens a new escrow in Created with a freshly issued deposit address.
func (s *Service) Create(ctx context.Context, creatorID string, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Principal(creatorID), traces.Satoshis(req.AmountSatoshis), traces.Currency(string(req.Currency)))
	defer span.End()

	if creatorID == "" {
		return nil, ErrUnauthorized
	}
	counterparty := strings.TrimSpace(req.CounterpartyID)
	if counterparty == "" {
		return nil, ErrMissingParty
	}
	if counterparty == creatorID {
		return nil, ErrSameParticipant
	}
	if !btc.ValidAmount(req.AmountSatoshis) {
		return nil, ErrInvalidAmount
	}
	if !req.Currency.Valid() {
		return nil, ErrInvalidCurrency
	}
	now := s.now()
	if req.TimeLockUnix != nil && *req.TimeLockUnix <= now.Unix() {
		return nil, ErrTimeLockInPast
	}

	id := idgen.Escrow()
	addr, err := s.addresses.DepositAddress(ctx, id, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to issue deposit address: %w", err)
	}

	escrow := &Escrow{
		ID:             id,
		CreatorID:      creatorID,
		CounterpartyID: counterparty,
		AmountSatoshis: req.AmountSatoshis,
		Currency:       req.Currency,
		DepositAddress: addr,
		UTXOs:          []utxo.UTXO{},
		Status:         StatusCreated,
		TimeLockUnix:   req.TimeLockUnix,
		Tags:           []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	span.SetAttributes(traces.EscrowID(id))

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	observeTransition("", StatusCreated)
	s.emit(ctx, EventCreated, escrow)
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows where the user is creator or counterparty.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	return s.store.ListByUser(ctx, userID, clampLimit(limit))
}

// ListByStatus returns escrows currently in the given status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	return s.store.ListByStatus(ctx, status, clampLimit(limit))
}

// Count returns the total number of escrow records.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// NotifyDeposit attributes a UTXO to the escrow. A deposit_notifier
// principal is trusted as reported. A participant's notice is only a hint:
// the output is looked up at the deposit address and the chain's amount and
// confirmations are applied instead of the claimed ones.
func (s *Service) NotifyDeposit(ctx context.Context, id, callerID string, u utxo.UTXO) (*Escrow, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if s.allowed(ctx, callerID, CapDepositNotifier) {
		return s.ApplyDeposit(ctx, id, u)
	}

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !escrow.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	observed, err := s.observe(ctx, escrow, u)
	if err != nil {
		return nil, err
	}
	return s.ApplyDeposit(ctx, id, *observed)
}

// observe returns the on-chain view of a participant's claimed output.
func (s *Service) observe(ctx context.Context, e *Escrow, claim utxo.UTXO) (*utxo.UTXO, error) {
	if s.chain == nil || e.Currency != btc.BTC {
		return nil, ErrDepositUnverified
	}
	got, err := s.chain.LookupOutput(ctx, e.DepositAddress, claim.TxID, claim.Vout)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", claim.Key(), err)
	}
	if got == nil {
		return nil, ErrDepositNotOnChain
	}
	if got.Amount != claim.Amount || got.Confirmations != claim.Confirmations {
		s.logger.Info("deposit notice differs from chain",
			"escrowId", e.ID, "outpoint", claim.Key(),
			"claimedAmount", claim.Amount, "amount", got.Amount,
			"claimedConfirmations", claim.Confirmations, "confirmations", got.Confirmations)
	}
	return got, nil
}

// ApplyDeposit attributes an output reported by a trusted source: the
// deposit watcher or a deposit_notifier principal.
func (s *Service) ApplyDeposit(ctx context.Context, id string, u utxo.UTXO) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.NotifyDeposit", traces.EscrowID(id), traces.Outpoint(u.Key()))
	defer span.End()

	if err := u.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrInvalidStatus
	}

	newly, err := s.registry.Attribute(ctx, id, u)
	switch {
	case errors.Is(err, utxo.ErrConfirmationsDecreased):
		s.logger.Warn("ignoring deposit notification with fewer confirmations",
			"escrowId", id, "outpoint", u.Key(), "confirmations", u.Confirmations)
		return escrow, nil
	case err != nil:
		return nil, err
	}

	if newly {
		if err := s.ledger.LockCollateral(ctx, id, escrow.CreatorID, escrow.Currency, u.Amount, u.Key()); err != nil {
			if derr := s.registry.Detach(ctx, id, u.TxID, u.Vout); derr != nil {
				s.logger.Error("CRITICAL: utxo attributed without collateral",
					"escrowId", id, "outpoint", u.Key(), "error", derr)
			}
			return nil, fmt.Errorf("failed to lock collateral for %s: %w", u.Key(), err)
		}
	}

	next := escrow.Clone()
	changed := mergeUTXO(next, u)
	funded := false
	if next.Status == StatusCreated && utxo.Sum(next.UTXOs, s.confirmations[next.Currency]) >= next.AmountSatoshis {
		next.Status = StatusFunded
		funded = true
	}
	if !changed && !funded {
		return escrow, nil
	}
	next.UpdatedAt = s.now()

	if err := s.persist(ctx, next, newly); err != nil {
		return nil, err
	}

	s.emit(ctx, EventDeposit, next)
	if funded {
		observeTransition(StatusCreated, StatusFunded)
		s.emit(ctx, EventFunded, next)
		s.assessAsync(next)
	}
	return next, nil
}

// mergeUTXO appends u or raises the confirmations of the stored entry.
// It reports whether the record changed.
func mergeUTXO(e *Escrow, u utxo.UTXO) bool {
	for i := range e.UTXOs {
		if e.UTXOs[i].TxID == u.TxID && e.UTXOs[i].Vout == u.Vout {
			if u.Confirmations > e.UTXOs[i].Confirmations {
				e.UTXOs[i].Confirmations = u.Confirmations
				return true
			}
			return false
		}
	}
	e.UTXOs = append(e.UTXOs, u)
	return true
}

// ConfirmDelivery records the caller's delivery confirmation. The second
// party's confirmation moves the escrow to Delivered. Confirming twice is a
// no-op.
func (s *Service) ConfirmDelivery(ctx context.Context, id, callerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !escrow.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}

	already := (callerID == escrow.CreatorID && escrow.CreatorConfirmed) ||
		(callerID == escrow.CounterpartyID && escrow.CounterpartyConfirmed)
	switch {
	case escrow.Status == StatusDelivered && already:
		return escrow, nil
	case escrow.Status != StatusFunded:
		return nil, ErrInvalidStatus
	case already:
		return escrow, nil
	}

	next := escrow.Clone()
	if callerID == next.CreatorID {
		next.CreatorConfirmed = true
	} else {
		next.CounterpartyConfirmed = true
	}
	delivered := next.CreatorConfirmed && next.CounterpartyConfirmed
	if delivered {
		next.Status = StatusDelivered
	}
	next.UpdatedAt = s.now()

	if err := s.store.Update(ctx, next); err != nil {
		return nil, err
	}

	s.emit(ctx, EventDeliveryConfirmed, next)
	if delivered {
		observeTransition(StatusFunded, StatusDelivered)
		s.emit(ctx, EventDelivered, next)
	}
	return next, nil
}

// RequestRelease pays the collateral to the counterparty once both parties
// have confirmed delivery.
func (s *Service) RequestRelease(ctx context.Context, id, callerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestRelease", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !escrow.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	if escrow.Status != StatusDelivered || !escrow.CreatorConfirmed || !escrow.CounterpartyConfirmed {
		return nil, ErrInvalidStatus
	}

	next := escrow.Clone()
	if err := s.release(ctx, next); err != nil {
		return nil, err
	}
	observeTransition(StatusDelivered, StatusReleased)
	s.emit(ctx, EventReleased, next)
	return next, nil
}

// release settles next in favour of the counterparty and persists it as
// Released. The counterparty receives the target amount out of confirmed
// value. Confirmed value beyond it goes back to the creator, and so do the
// unconfirmed outputs, as pending deposits.
func (s *Service) release(ctx context.Context, next *Escrow) error {
	confirmed, unconfirmed := next.splitConfirmed(s.confirmations[next.Currency])
	if confirmed < next.AmountSatoshis {
		return ErrUnconfirmedFunds
	}
	excess := confirmed - next.AmountSatoshis

	if err := s.ledger.SettleRelease(ctx, next.ID, next.Currency, next.CounterpartyID, next.AmountSatoshis, next.CreatorID, excess, unconfirmed); err != nil {
		traces.Fail(ctx, err)
		return fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := s.now()
	next.Status = StatusReleased
	next.Resolution = "released"
	next.ResolvedAt = &now
	next.UpdatedAt = now
	return s.persist(ctx, next, true)
}

// refund returns all collateral to the creator and persists next as
// Refunded. Outputs short of the confirmation threshold come back pending.
func (s *Service) refund(ctx context.Context, next *Escrow, resolution string) error {
	confirmed, unconfirmed := next.splitConfirmed(s.confirmations[next.Currency])
	if err := s.ledger.SettleRefund(ctx, next.ID, next.Currency, next.CreatorID, confirmed, unconfirmed); err != nil {
		traces.Fail(ctx, err)
		return fmt.Errorf("failed to refund escrow: %w", err)
	}

	now := s.now()
	next.Status = StatusRefunded
	next.Resolution = resolution
	next.ResolvedAt = &now
	next.UpdatedAt = now
	return s.persist(ctx, next, true)
}

// persist writes next. When the ledger already moved funds the update is
// retried once and a failure is logged for manual resolution. A concurrent
// writer's record is kept and only the settlement fields are laid over it.
func (s *Service) persist(ctx context.Context, next *Escrow, fundsMoved bool) error {
	err := s.store.Update(ctx, next)
	if err == nil || !fundsMoved {
		return err
	}
	if errors.Is(err, ErrConcurrentUpdate) {
		if current, getErr := s.store.Get(ctx, next.ID); getErr == nil {
			current.Status = next.Status
			current.Resolution = next.Resolution
			current.ResolvedAt = next.ResolvedAt
			current.UpdatedAt = next.UpdatedAt
			*next = *current
		}
	}
	if retryErr := s.store.Update(ctx, next); retryErr != nil {
		traces.Fail(ctx, retryErr)
		s.logger.Error("CRITICAL: escrow ledger committed but record update failed",
			"escrowId", next.ID, "status", next.Status, "error", retryErr)
		return fmt.Errorf("failed to update escrow after ledger commit (requires manual resolution): %w", err)
	}
	return nil
}

// MarkDisputed moves a non-terminal escrow to Disputed. The reason is kept
// in the tags.
func (s *Service) MarkDisputed(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkDisputed", traces.EscrowID(id))
	defer span.End()

	reason = validation.Clean(reason, maxReasonLen)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !escrow.IsParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	switch escrow.Status {
	case StatusCreated, StatusFunded, StatusDelivered:
	default:
		return nil, ErrInvalidStatus
	}

	next := escrow.Clone()
	from := next.Status
	next.Status = StatusDisputed
	next.addTag("dispute:" + reason)
	next.addTag("disputed_by:" + callerID)
	next.UpdatedAt = s.now()

	if err := s.store.Update(ctx, next); err != nil {
		return nil, err
	}
	observeTransition(from, StatusDisputed)
	s.emit(ctx, EventDisputed, next)
	return next, nil
}

// ResolveDispute settles a disputed escrow on a resolver's ruling. A release
// ruling stands in for both delivery confirmations.
func (s *Service) ResolveDispute(ctx context.Context, id, callerID string, req ResolveRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(id))
	defer span.End()

	if !s.allowed(ctx, callerID, CapResolver) {
		return nil, ErrUnauthorized
	}
	outcome := strings.ToLower(strings.TrimSpace(req.Resolution))
	if outcome != ResolutionRelease && outcome != ResolutionRefund {
		return nil, ErrInvalidResolution
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	next := escrow.Clone()
	next.addTag("resolved_by:" + callerID)
	if note := validation.Clean(req.Note, maxReasonLen); note != "" {
		next.addTag("resolution_note:" + note)
	}

	if outcome == ResolutionRelease {
		next.CreatorConfirmed = true
		next.CounterpartyConfirmed = true
		if err := s.release(ctx, next); err != nil {
			return nil, err
		}
		observeTransition(StatusDisputed, StatusReleased)
		s.emit(ctx, EventReleased, next)
		return next, nil
	}

	if err := s.refund(ctx, next, "refunded_by_resolver"); err != nil {
		return nil, err
	}
	observeTransition(StatusDisputed, StatusRefunded)
	s.emit(ctx, EventRefunded, next)
	return next, nil
}

// ForceRefund returns the collateral to the creator on an admin's request.
// Outside a dispute the time lock, when set, must have elapsed.
func (s *Service) ForceRefund(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ForceRefund", traces.EscrowID(id))
	defer span.End()

	if !s.allowed(ctx, callerID, CapAdmin) {
		return nil, ErrUnauthorized
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch escrow.Status {
	case StatusCreated, StatusFunded:
		if escrow.TimeLockUnix != nil && !escrow.TimeLockElapsed(s.now()) {
			return nil, ErrTimeLockNotExpired
		}
	case StatusDisputed:
	default:
		return nil, ErrInvalidStatus
	}

	next := escrow.Clone()
	if reason = validation.Clean(reason, maxReasonLen); reason != "" {
		next.addTag("refund:" + reason)
	}
	if err := s.refund(ctx, next, "force_refunded"); err != nil {
		return nil, err
	}
	observeTransition(escrow.Status, StatusRefunded)
	s.emit(ctx, EventRefunded, next)
	return next, nil
}

// RefundExpired is the timeout path: it refunds a Created or Funded escrow
// whose time lock has elapsed. No caller identity is involved.
func (s *Service) RefundExpired(ctx context.Context, id string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundExpired", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under lock; the timer's listing may be stale.
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusCreated && escrow.Status != StatusFunded {
		return nil, ErrInvalidStatus
	}
	if !escrow.TimeLockElapsed(s.now()) {
		return nil, ErrTimeLockNotExpired
	}

	next := escrow.Clone()
	if err := s.refund(ctx, next, "time_lock_expired"); err != nil {
		return nil, err
	}
	observeTransition(escrow.Status, StatusRefunded)
	s.emit(ctx, EventRefunded, next)
	return next, nil
}

// AttachAIResult records a risk score reported by a risk_reporter principal.
func (s *Service) AttachAIResult(ctx context.Context, id, callerID string, score int, tags []string) (*Escrow, error) {
	if !s.allowed(ctx, callerID, CapRiskReporter) {
		return nil, ErrUnauthorized
	}
	if score < 0 || score > 100 {
		return nil, ErrInvalidRiskScore
	}
	return s.attachRisk(ctx, id, uint8(score), tags)
}

func (s *Service) attachRisk(ctx context.Context, id string, score uint8, tags []string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AttachAIResult", traces.EscrowID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next := escrow.Clone()
	next.AIRiskScore = &score
	for _, t := range tags[:min(len(tags), maxRiskTags)] {
		if t = validation.Clean(t, maxTagLen); t != "" {
			next.addTag(t)
		}
	}
	next.UpdatedAt = s.now()

	if err := s.store.Update(ctx, next); err != nil {
		return nil, err
	}
	s.emit(ctx, EventRiskAttached, next)
	return next, nil
}

// assessAsync scores a newly funded escrow in the background. The outcome
// never gates a transition.
func (s *Service) assessAsync(e *Escrow) {
	if s.risk == nil {
		return
	}
	snapshot := e.Clone()
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in risk assessment", "escrowId", snapshot.ID, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), riskTimeout)
		defer cancel()

		result, err := s.risk.Assess(ctx, snapshot)
		if err != nil {
			s.logger.Warn("risk assessment failed", "escrowId", snapshot.ID, "error", err)
			return
		}
		score := result.Score
		if score > 100 {
			score = 100
		}
		if _, err := s.attachRisk(ctx, snapshot.ID, score, result.Tags); err != nil {
			s.logger.Warn("failed to attach risk result", "escrowId", snapshot.ID, "error", err)
		}
	}()
}

func (s *Service) emit(ctx context.Context, event string, e *Escrow) {
	if s.events == nil {
		return
	}
	s.events.EscrowEvent(ctx, event, e.Clone())
}

