package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/satsafe/escrowd/internal/btc"
	"github.com/satsafe/escrowd/internal/idgen"
	"github.com/satsafe/escrowd/internal/ledger"
	"github.com/satsafe/escrowd/internal/traces"
	"github.com/satsafe/escrowd/internal/validation"
)

// Service implements wallet operations on top of the ledger.
type Service struct {
	ledger    Ledger
	addresses AddressStore
	issuer    AddressIssuer
	authz     Authorizer
	logger    *slog.Logger

	confirmations map[btc.Currency]uint32
}

// NewService creates a new wallet service.
func NewService(l Ledger, addresses AddressStore, issuer AddressIssuer) *Service {
	return &Service{
		ledger:    l,
		addresses: addresses,
		issuer:    issuer,
		logger:    slog.Default(),
		confirmations: map[btc.Currency]uint32{
			btc.BTC:   6,
			btc.CkBTC: 1,
		},
	}
}

func (s *Service) WithAuthorizer(a Authorizer) *Service {
	s.authz = a
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithRequiredConfirmations sets the threshold at which a booked deposit is
// credited as available instead of pending.
func (s *Service) WithRequiredConfirmations(currency btc.Currency, n uint32) *Service {
	s.confirmations[currency] = n
	return s
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	return s.ledger.GetBalance(ctx, userID)
}

func (s *Service) GetTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	return s.ledger.GetTransactions(ctx, userID, limit)
}

// GetDepositAddress returns the user's address for currency, issuing and
// persisting one on first use.
func (s *Service) GetDepositAddress(ctx context.Context, userID string, currency btc.Currency) (*DepositAddress, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.GetDepositAddress", traces.Principal(userID), traces.Currency(string(currency)))
	defer span.End()

	if userID == "" {
		return nil, ErrUnauthorized
	}
	if !currency.Valid() {
		return nil, ErrInvalidCurrency
	}

	existing, err := s.addresses.Get(ctx, userID, currency)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAddressNotFound) {
		return nil, err
	}

	addr, err := s.issuer.DepositAddress(ctx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to issue deposit address: %w", err)
	}
	mapping := &DepositAddress{
		Address:   addr,
		UserID:    userID,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.addresses.Create(ctx, mapping); err != nil {
		if errors.Is(err, ErrAddressExists) {
			// Lost a race with a concurrent request for the same user.
			return s.addresses.Get(ctx, userID, currency)
		}
		return nil, err
	}

	s.logger.Info("deposit address issued", "user", userID, "currency", currency, "address", addr)
	return mapping, nil
}

// ListAddresses returns every deposit address issued to the user.
func (s *Service) ListAddresses(ctx context.Context, userID string) ([]*DepositAddress, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	return s.addresses.ListByUser(ctx, userID)
}

// resolveRecipient maps to onto a principal: either an issued deposit
// address or a well-formed principal ID.
func (s *Service) resolveRecipient(ctx context.Context, to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", ErrInvalidRecipient
	}
	mapping, err := s.addresses.Lookup(ctx, to)
	switch {
	case err == nil:
		return mapping.UserID, nil
	case !errors.Is(err, ErrAddressNotFound):
		return "", err
	}
	if !validation.IsPrincipal(to) {
		return "", ErrInvalidRecipient
	}
	return to, nil
}

// Transfer moves available funds from one user to another. Both legs
// share an xfer_ reference.
func (s *Service) Transfer(ctx context.Context, from string, req TransferRequest) (*TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "wallet.Transfer", traces.Principal(from), traces.Currency(string(req.Currency)))
	defer span.End()

	if from == "" {
		return nil, ErrUnauthorized
	}
	if req.Amount <= 0 || !btc.ValidAmount(uint64(req.Amount)) {
		return nil, ErrInvalidAmount
	}
	if !req.Currency.Valid() {
		return nil, ErrInvalidCurrency
	}
	to, err := s.resolveRecipient(ctx, req.To)
	if err != nil {
		return nil, err
	}

	ref := idgen.Transfer()
	span.SetAttributes(traces.Reference(ref), traces.Satoshis(uint64(req.Amount)))
	bal, err := s.ledger.TransferAtomic(ctx, from, to, req.Currency, uint64(req.Amount), ref)
	if err != nil {
		traces.Fail(ctx, err)
		return nil, err
	}

	s.logger.Info("transfer completed",
		"reference", ref, "from", from, "to", to,
		"amountSatoshis", req.Amount, "currency", req.Currency)
	return &TransferResult{
		Reference: ref,
		From:      from,
		To:        to,
		Amount:    uint64(req.Amount),
		Currency:  req.Currency,
		Balance:   bal,
	}, nil
}

// RecordDeposit books a chain deposit. Deposits at or above the currency's
// confirmation threshold are credited immediately; the rest stay pending
// until ConfirmDeposit.
func (s *Service) RecordDeposit(ctx context.Context, callerID string, req DepositRequest) (*ledger.Transaction, error) {
	if !s.allowed(ctx, callerID, CapDepositNotifier) {
		return nil, ErrUnauthorized
	}
	if !btc.ValidAmount(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if !req.Currency.Valid() {
		return nil, ErrInvalidCurrency
	}
	if err := btc.ValidTxID(req.TxID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxID, err)
	}

	confirmed := req.Confirmations >= s.confirmations[req.Currency]
	tx, err := s.ledger.RecordDeposit(ctx, req.UserID, req.Currency, req.Amount, req.TxID, confirmed)
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit recorded",
		"user", req.UserID, "txid", req.TxID, "amountSatoshis", req.Amount,
		"currency", req.Currency, "status", tx.Status, "by", callerID)
	return tx, nil
}

// ConfirmDeposit moves a pending deposit into the available balance.
func (s *Service) ConfirmDeposit(ctx context.Context, callerID, txID string) (*ledger.Transaction, error) {
	if !s.allowed(ctx, callerID, CapDepositNotifier) {
		return nil, ErrUnauthorized
	}
	return s.ledger.ConfirmDeposit(ctx, txID)
}

func (s *Service) allowed(ctx context.Context, principal, capability string) bool {
	return s.authz != nil && principal != "" && s.authz.Allowed(ctx, principal, capability)
}
