package presentment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/stablevault/internal/events"
	"github.com/mbd888/stablevault/internal/idgen"
	"github.com/mbd888/stablevault/internal/metrics"
	"github.com/mbd888/stablevault/internal/traces"
	"github.com/mbd888/stablevault/internal/usdc"
)

const defaultInvoiceTTL = 15 * time.Minute

// Notifier receives paid invoices, e.g. for streaming to subscribers.
type Notifier interface {
	BroadcastInvoicePaid(invoice interface{})
}

// Service implements invoice business logic and settlement matching.
type Service struct {
	store    Store
	signer   *Signer
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
	notifier Notifier
}

// NewService creates a new presentment service. If signer is nil, settlements
// carry a payload hash but no signature.
func NewService(store Store, signer *Signer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		signer: signer,
		ttl:    defaultInvoiceTTL,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithNotifier sets a sink for paid-invoice notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create presents a new invoice.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Invoice, error) {
	amt, ok := usdc.Parse(req.Amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	ttl := s.ttl
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}

	now := s.now()
	inv := &Invoice{
		ID:        idgen.WithPrefix("inv_"),
		Merchant:  strings.ToLower(req.Merchant),
		Spender:   strings.ToLower(req.Spender),
		Amount:    usdc.Format(amt),
		Memo:      req.Memo,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := s.store.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("presentment: failed to create invoice: %w", err)
	}

	s.logger.Info("invoice presented",
		"invoice_id", inv.ID,
		"merchant", inv.Merchant,
		"amount", inv.Amount,
		"expires_at", inv.ExpiresAt,
	)
	return inv, nil
}

// Get returns an invoice by ID.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.store.Get(ctx, id)
}

// ListByMerchant returns a merchant's invoices, optionally filtered by status.
func (s *Service) ListByMerchant(ctx context.Context, merchant string, status Status, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByMerchant(ctx, strings.ToLower(merchant), status, limit)
}

// Cancel voids a pending invoice. Only the presenting merchant may cancel.
func (s *Service) Cancel(ctx context.Context, id, merchant string) (*Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Merchant != strings.ToLower(merchant) {
		return nil, ErrInvoiceNotFound
	}
	if !inv.Open(s.now()) {
		return nil, ErrNotPending
	}

	inv.Status = StatusCanceled
	if err := s.store.Update(ctx, inv); err != nil {
		return nil, fmt.Errorf("presentment: failed to cancel invoice: %w", err)
	}
	return inv, nil
}

// HandleSpent matches a settled spend against the merchant's open invoices.
// The match requires the exact amount; an invoice bound to a spender only
// matches that spender. No match is not an error: spends without an invoice
// are ordinary payments.
func (s *Service) HandleSpent(ctx context.Context, e *events.Spent) (*Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "presentment.HandleSpent",
		traces.Merchant(e.Merchant), traces.Amount(e.Amount), traces.TxRef(e.TxRef))
	defer span.End()

	inv, err := s.store.FindOpenMatch(ctx, e.Merchant, e.Amount, e.Spender, s.now())
	if err != nil {
		return nil, fmt.Errorf("presentment: match lookup failed: %w", err)
	}
	if inv == nil {
		return nil, nil
	}

	payloadHash, sig, err := s.signer.Sign(settlementPayload{
		Amount:    e.Amount,
		EventID:   e.ID,
		InvoiceID: inv.ID,
		Merchant:  e.Merchant,
		Owner:     e.Owner,
		Spender:   e.Spender,
		TxRef:     e.TxRef,
	})
	if err != nil {
		return nil, fmt.Errorf("presentment: failed to sign settlement: %w", err)
	}

	inv.Status = StatusPaid
	inv.Settlement = &Settlement{
		EventID:     e.ID,
		TxRef:       e.TxRef,
		Owner:       e.Owner,
		Spender:     e.Spender,
		PayloadHash: payloadHash,
		Signature:   sig,
		SettledAt:   s.now(),
	}
	if err := s.store.Update(ctx, inv); err != nil {
		return nil, fmt.Errorf("presentment: failed to mark invoice paid: %w", err)
	}

	metrics.InvoicesPaidTotal.Inc()
	if s.notifier != nil {
		s.notifier.BroadcastInvoicePaid(inv)
	}
	s.logger.Info("invoice paid",
		"invoice_id", inv.ID,
		"merchant", inv.Merchant,
		"amount", inv.Amount,
		"event_id", e.ID,
	)
	return inv, nil
}

// Publish lets the service consume the vault's settlement stream directly.
func (s *Service) Publish(e *events.Spent) {
	if _, err := s.HandleSpent(context.Background(), e); err != nil {
		s.logger.Warn("failed to match settlement against invoices",
			"event_id", e.ID, "error", err)
	}
}

// VerifyResponse is the result of settlement verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	InvoiceID string `json:"invoiceId"`
	Error     string `json:"error,omitempty"`
}

// Verify checks whether a paid invoice's settlement signature is valid.
func (s *Service) Verify(ctx context.Context, invoiceID string) (*VerifyResponse, error) {
	inv, err := s.store.Get(ctx, invoiceID)
	if err != nil {
		return &VerifyResponse{
			Valid:     false,
			InvoiceID: invoiceID,
			Error:     ErrInvoiceNotFound.Error(),
		}, nil
	}
	if inv.Status != StatusPaid || inv.Settlement == nil {
		return &VerifyResponse{
			Valid:     false,
			InvoiceID: invoiceID,
			Error:     "invoice has no settlement",
		}, nil
	}

	valid := s.signer.Verify(settlementPayload{
		Amount:    inv.Amount,
		EventID:   inv.Settlement.EventID,
		InvoiceID: inv.ID,
		Merchant:  inv.Merchant,
		Owner:     inv.Settlement.Owner,
		Spender:   inv.Settlement.Spender,
		TxRef:     inv.Settlement.TxRef,
	}, inv.Settlement.Signature)

	resp := &VerifyResponse{Valid: valid, InvoiceID: invoiceID}
	if !valid {
		resp.Error = "signature verification failed"
	}
	return resp, nil
}

// ExpirePending flips invoices whose expiry has passed.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	count, err := s.store.ExpirePending(ctx, s.now())
	if count > 0 {
		metrics.InvoicesExpiredTotal.Add(float64(count))
	}
	return count, err
}
