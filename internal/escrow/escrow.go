// Package escrow implements the Bitcoin/ckBTC escrow state machine.
//
// Flow:
//  1. Creator opens an escrow → a fresh deposit address is issued
//  2. Deposits are attributed to the escrow → collateral locked in the ledger
//  3. Confirmed attributed sum reaches the target → Funded
//  4. Both parties confirm delivery → Delivered
//  5. Either party requests release → collateral paid to the counterparty
//  6. Disputes go to a resolver; expired time locks are refunded to the creator
package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/satsafe/escrowd/internal/apperr"
	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/utxo"
)

var (
	ErrEscrowNotFound     = apperr.New(apperr.NotFound, "escrow not found")
	ErrInvalidStatus      = apperr.New(apperr.InvalidStatus, "invalid escrow status for this operation")
	ErrUnauthorized       = apperr.New(apperr.Unauthorized, "not authorized for this escrow operation")
	ErrInvalidAmount      = apperr.New(apperr.InvalidAmount, "amount_satoshis must be positive and within the bitcoin supply")
	ErrSameParticipant    = apperr.New(apperr.InvalidAddress, "creator and counterparty must differ")
	ErrMissingParty       = apperr.New(apperr.InvalidAddress, "counterparty_id is required")
	ErrInvalidCurrency    = apperr.New(apperr.InvalidRequest, "currency must be BTC or ckBTC")
	ErrTimeLockInPast     = apperr.New(apperr.InvalidRequest, "time_lock_unix must be in the future")
	ErrTimeLockNotExpired = apperr.New(apperr.TimeLockNotExpired, "time lock has not expired")
	ErrInvalidResolution  = apperr.New(apperr.InvalidRequest, "resolution must be release or refund")
	ErrInvalidRiskScore   = apperr.New(apperr.InvalidRequest, "risk_score must be between 0 and 100")
	ErrReasonRequired     = apperr.New(apperr.InvalidRequest, "reason is required")
	ErrDuplicateEscrow    = apperr.New(apperr.Conflict, "escrow already exists")
	ErrDuplicateAddress   = apperr.New(apperr.Conflict, "deposit address already assigned to another escrow")
	ErrUnconfirmedFunds   = apperr.New(apperr.InvalidStatus, "confirmed deposits do not cover the escrow amount")
	ErrDepositNotOnChain  = apperr.New(apperr.NotFound, "no such output pays the escrow deposit address")
	ErrDepositUnverified  = apperr.New(apperr.Unauthorized, "deposits to this escrow are reported by the deposit watcher")
	ErrConcurrentUpdate   = apperr.New(apperr.Conflict, "escrow was modified concurrently, retry")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"   // Address issued, waiting for deposits
	StatusFunded    Status = "funded"    // Confirmed deposits cover the amount
	StatusDelivered Status = "delivered" // Both parties confirmed delivery
	StatusReleased  Status = "released"  // Collateral paid to counterparty
	StatusRefunded  Status = "refunded"  // Collateral returned to creator
	StatusDisputed  Status = "disputed"  // Waiting on a resolver
)

// ParseStatus validates a status string from a query parameter.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusFunded, StatusDelivered, StatusReleased, StatusRefunded, StatusDisputed:
		return st, nil
	}
	return "", apperr.New(apperr.InvalidRequest, fmt.Sprintf("unknown escrow status %q", s))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Resolution outcomes for disputes.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// Capabilities checked through the Authorizer.
const (
	CapAdmin           = "admin"
	CapResolver        = "resolver"
	CapDepositNotifier = "deposit_notifier"
	CapRiskReporter    = "risk_reporter"
)

// Escrow is the persisted escrow record.
type Escrow struct {
	ID                    string       `json:"escrow_id"`
	CreatorID             string       `json:"creator_id"`
	CounterpartyID        string       `json:"counterparty_id"`
	AmountSatoshis        uint64       `json:"amount_satoshis"`
	Currency              btc.Currency `json:"currency"`
	DepositAddress        string       `json:"deposit_address"`
	UTXOs                 []utxo.UTXO  `json:"utxos"`
	Status                Status       `json:"status"`
	TimeLockUnix          *int64       `json:"time_lock_unix,omitempty"`
	CreatorConfirmed      bool         `json:"creator_confirmed_delivery"`
	CounterpartyConfirmed bool         `json:"counterparty_confirmed_delivery"`
	AIRiskScore           *uint8       `json:"ai_risk_score,omitempty"`
	Tags                  []string     `json:"tags"`
	Resolution            string       `json:"resolution,omitempty"`
	ResolvedAt            *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
	// Version counts successful updates. Store.Update refuses a record
	// whose version is stale.
	Version               int64        `json:"version"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status.Terminal()
}

// IsParticipant reports whether userID is the creator or the counterparty.
func (e *Escrow) IsParticipant(userID string) bool {
	return userID != "" && (userID == e.CreatorID || userID == e.CounterpartyID)
}

// AttributedTotal is the sum of every attributed UTXO regardless of
// confirmations. It equals the collateral locked in the ledger.
func (e *Escrow) AttributedTotal() uint64 {
	return utxo.Sum(e.UTXOs, 0)
}

// splitConfirmed returns the value of outputs with at least minConf
// confirmations and the outputs below it.
func (e *Escrow) splitConfirmed(minConf uint32) (confirmed uint64, unconfirmed []utxo.UTXO) {
	for _, u := range e.UTXOs {
		if u.Confirmations >= minConf {
			confirmed += u.Amount
		} else {
			unconfirmed = append(unconfirmed, u)
		}
	}
	return confirmed, unconfirmed
}

// TimeLockElapsed reports whether a time lock is set and has passed.
func (e *Escrow) TimeLockElapsed(now time.Time) bool {
	return e.TimeLockUnix != nil && now.Unix() >= *e.TimeLockUnix
}

// Clone returns a deep copy so callers can compute a tentative record
// without touching the stored one.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.UTXOs = append([]utxo.UTXO(nil), e.UTXOs...)
	cp.Tags = append([]string(nil), e.Tags...)
	if e.TimeLockUnix != nil {
		v := *e.TimeLockUnix
		cp.TimeLockUnix = &v
	}
	if e.AIRiskScore != nil {
		v := *e.AIRiskScore
		cp.AIRiskScore = &v
	}
	if e.ResolvedAt != nil {
		v := *e.ResolvedAt
		cp.ResolvedAt = &v
	}
	return &cp
}

func (e *Escrow) addTag(tag string) {
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Update writes escrow if the stored version still equals
	// escrow.Version, then increments escrow.Version. A stale version
	// returns ErrConcurrentUpdate.
	Update(ctx context.Context, escrow *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	// ListTimeLockExpired returns Created or Funded escrows whose time lock
	// is at or before the given instant.
	ListTimeLockExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	Count(ctx context.Context) (int, error)
}

// LedgerService abstracts ledger operations so escrow doesn't import ledger.
//
// Both settlements drain the escrow's collateral in one atomic unit. The
// unconfirmed outputs are returned to the creator as pending deposits keyed
// by outpoint; only confirmed value becomes available balance.
type LedgerService interface {
	LockCollateral(ctx context.Context, escrowID, depositor string, currency btc.Currency, amount uint64, reference string) error
	SettleRelease(ctx context.Context, escrowID string, currency btc.Currency, recipient string, amount uint64, creator string, excess uint64, unconfirmed []utxo.UTXO) error
	SettleRefund(ctx context.Context, escrowID string, currency btc.Currency, creator string, amount uint64, unconfirmed []utxo.UTXO) error
}

// DepositVerifier looks an output up on chain. It returns nil, nil when no
// unspent output txid:vout pays address.
type DepositVerifier interface {
	LookupOutput(ctx context.Context, address, txid string, vout uint32) (*utxo.UTXO, error)
}

// AddressIssuer hands out a fresh deposit address for each escrow.
type AddressIssuer interface {
	DepositAddress(ctx context.Context, owner string, currency btc.Currency) (string, error)
}

// Authorizer answers capability checks for resolver and admin operations.
type Authorizer interface {
	Allowed(ctx context.Context, principal, capability string) bool
}

// Assessment is the result of an AI risk evaluation.
type Assessment struct {
	Score uint8
	Tags  []string
}

// RiskAssessor scores a newly funded escrow.
type RiskAssessor interface {
	Assess(ctx context.Context, e *Escrow) (*Assessment, error)
}

// EventSink receives lifecycle events after they are persisted.
type EventSink interface {
	EscrowEvent(ctx context.Context, event string, e *Escrow)
}

// Lifecycle event names.
const (
	EventCreated           = "escrow.created"
	EventDeposit           = "escrow.deposit"
	EventFunded            = "escrow.funded"
	EventDeliveryConfirmed = "escrow.delivery_confirmed"
	EventDelivered         = "escrow.delivered"
	EventReleased          = "escrow.released"
	EventDisputed          = "escrow.disputed"
	EventRefunded          = "escrow.refunded"
	EventRiskAttached      = "escrow.risk_attached"
)

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	CounterpartyID string       `json:"counterparty_id" binding:"required"`
	AmountSatoshis uint64       `json:"amount_satoshis"`
	Currency       btc.Currency `json:"currency" binding:"required"`
	TimeLockUnix   *int64       `json:"time_lock_unix"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest carries a resolver's ruling.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

// RefundRequest carries an admin's reason for a forced refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// AIResultRequest carries an externally computed risk score.
type AIResultRequest struct {
	RiskScore int      `json:"risk_score"`
	Tags      []string `json:"tags"`
}
