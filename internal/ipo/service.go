// Package ipo runs primary listings: subscription windows, escrowed
// applications, allocation under oversubscription, and refunds.
package ipo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/internal/escrow"
	"github.com/lumenex/exchange-core/internal/events"
	"github.com/lumenex/exchange-core/internal/payment"
	"github.com/lumenex/exchange-core/pkg/models"
)

// Offering and allocation errors.
var (
	ErrUnknownOffering     = errors.New("unknown offering")
	ErrUnknownApplication  = errors.New("unknown application")
	ErrOfferingNotOpen     = errors.New("offering not open")
	ErrOfferingNotClosed   = errors.New("offering not closed")
	ErrWindowClosed        = errors.New("subscription window closed")
	ErrSubscriptionBounds  = errors.New("subscription outside offering bounds")
	ErrPaymentNotPending   = errors.New("application not awaiting payment")
	ErrAllocationInvariant = errors.New("allocation invariant violated")
)

// PaymentVerifier gates externally paid applications; see internal/payment.
// The bool result reports whether this call created the verification record.
type PaymentVerifier interface {
	Verify(ctx context.Context, txSignature, expectedFrom, expectedTo string, expectedAmount, toleranceAbs decimal.Decimal) (*models.PaymentVerificationRecord, bool, error)
}

// PaymentClaim identifies the expected on-chain transfer for an application
// paid outside the ledger.
type PaymentClaim struct {
	ExpectedFrom string
	ExpectedTo   string
	ToleranceAbs decimal.Decimal
}

// claimState tracks a pending claim; deposited flips once the verified
// amount has been credited, so a retry after a failed escrow lock does not
// credit again.
type claimState struct {
	PaymentClaim
	deposited bool
}

type offeringState struct {
	offering   *models.IPOOffering
	instrument models.Instrument
	apps       []*models.IPOApplication
	claims     map[uuid.UUID]*claimState
}

// Service owns offering lifecycles. Allocation runs as a single exclusive
// pass per offering; applications are never mutated while it runs.
type Service struct {
	ledger   *escrow.Ledger
	verifier PaymentVerifier
	bus      events.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	offerings map[uuid.UUID]*offeringState
	appIndex  map[uuid.UUID]*models.IPOApplication
	appOwner  map[uuid.UUID]uuid.UUID // application id -> offering id
	seq       uint64
}

// NewService creates an IPO service. verifier may be nil when external
// payments are not accepted.
func NewService(ledger *escrow.Ledger, verifier PaymentVerifier, bus events.Bus, logger *zap.Logger) *Service {
	return &Service{
		ledger:    ledger,
		verifier:  verifier,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		offerings: make(map[uuid.UUID]*offeringState),
		appIndex:  make(map[uuid.UUID]*models.IPOApplication),
		appOwner:  make(map[uuid.UUID]uuid.UUID),
	}
}

// Open registers an offering and escrows the issuer's full share supply under
// the offering id, so allotment later draws from a locked pool.
func (s *Service) Open(ctx context.Context, offering *models.IPOOffering, instrument models.Instrument) error {
	if offering.TotalSharesOffered.LessThanOrEqual(decimal.Zero) || offering.PricePerShare.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: non-positive supply or price", ErrSubscriptionBounds)
	}
	if offering.MinSubscription.GreaterThan(offering.MaxSubscription) {
		return fmt.Errorf("%w: min %s > max %s", ErrSubscriptionBounds, offering.MinSubscription, offering.MaxSubscription)
	}
	if err := s.ledger.Lock(ctx, offering.IssuerID, instrument.BaseAsset, offering.TotalSharesOffered, escrow.ReasonIPOAllotment, offering.ID); err != nil {
		return fmt.Errorf("escrow issuer shares: %w", err)
	}

	offering.Status = models.OfferingStatusOpen
	offering.TotalSubscribed = decimal.Zero

	s.mu.Lock()
	s.offerings[offering.ID] = &offeringState{
		offering:   offering,
		instrument: instrument,
		claims:     make(map[uuid.UUID]*claimState),
	}
	s.mu.Unlock()

	s.logger.Info("offering opened",
		zap.String("offering_id", offering.ID.String()),
		zap.String("instrument", instrument.Symbol),
		zap.String("shares", offering.TotalSharesOffered.String()))
	return nil
}

// Apply subscribes an applicant whose funds are already on the ledger. The
// full amount (quantity x price) is escrowed up front.
func (s *Service) Apply(ctx context.Context, offeringID, applicant uuid.UUID, quantity decimal.Decimal) (*models.IPOApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.openState(offeringID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBounds(state.offering, quantity); err != nil {
		return nil, err
	}

	amount := quantity.Mul(state.offering.PricePerShare)
	escrowID := uuid.New()
	if err := s.ledger.Lock(ctx, applicant, state.instrument.QuoteAsset, amount, escrow.ReasonIPOApplication, escrowID); err != nil {
		return nil, err
	}

	app := s.register(state, offeringID, applicant, quantity, amount, escrowID, models.ApplicationStatusPending)
	return app, nil
}

// ApplyWithPayment subscribes an applicant paying through an external
// transfer. The application stays PAYMENT_PENDING until ConfirmPayment
// verifies the claimed transaction.
func (s *Service) ApplyWithPayment(ctx context.Context, offeringID, applicant uuid.UUID, quantity decimal.Decimal, claim PaymentClaim) (*models.IPOApplication, error) {
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: external payments not configured", ErrPaymentNotPending)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.openState(offeringID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBounds(state.offering, quantity); err != nil {
		return nil, err
	}

	amount := quantity.Mul(state.offering.PricePerShare)
	app := s.register(state, offeringID, applicant, quantity, amount, uuid.New(), models.ApplicationStatusPaymentPending)
	state.claims[app.ID] = &claimState{PaymentClaim: claim}
	return app, nil
}

// ConfirmPayment verifies the on-chain transfer backing a PAYMENT_PENDING
// application. On success the amount is credited and escrowed and the
// application becomes PENDING. On failure nothing changes; the applicant may
// retry with a new signature.
func (s *Service) ConfirmPayment(ctx context.Context, applicationID uuid.UUID, txSignature string) error {
	s.mu.Lock()
	app, ok := s.appIndex[applicationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownApplication, applicationID)
	}
	state := s.offerings[s.appOwner[applicationID]]
	claim, hasClaim := state.claims[applicationID]
	s.mu.Unlock()

	if app.Status != models.ApplicationStatusPaymentPending || !hasClaim {
		return fmt.Errorf("%w: %s is %s", ErrPaymentNotPending, applicationID, app.Status)
	}

	_, created, err := s.verifier.Verify(ctx, txSignature, claim.ExpectedFrom, claim.ExpectedTo, app.AmountEscrowed, claim.ToleranceAbs)
	if err == nil && !created && !claim.deposited {
		// The signature was consumed by something other than this
		// application; crediting it here would double-spend the transfer.
		err = fmt.Errorf("%w: %s", payment.ErrSignatureReplayed, txSignature)
	}
	if err != nil {
		s.bus.Publish(ctx, events.Event{
			Topic:     events.TopicPayment,
			Type:      events.TypePaymentRejected,
			Timestamp: s.now(),
			Payload:   events.PaymentEvent{TxSignature: txSignature, Verified: false, Reason: err.Error()},
		})
		return err
	}

	// The amount is credited exactly once per claim; a retry after a failed
	// escrow lock resumes at the lock step.
	if !claim.deposited {
		if err := s.ledger.Deposit(ctx, app.ApplicantID, state.instrument.QuoteAsset, app.AmountEscrowed); err != nil {
			return err
		}
		claim.deposited = true
	}
	if err := s.ledger.Lock(ctx, app.ApplicantID, state.instrument.QuoteAsset, app.AmountEscrowed, escrow.ReasonIPOApplication, app.EscrowID); err != nil {
		return err
	}

	s.mu.Lock()
	app.Status = models.ApplicationStatusPending
	app.UpdatedAt = s.now()
	delete(state.claims, applicationID)
	s.mu.Unlock()

	s.bus.Publish(ctx, events.Event{
		Topic:     events.TopicPayment,
		Type:      events.TypePaymentVerified,
		Timestamp: s.now(),
		Payload:   events.PaymentEvent{TxSignature: txSignature, Verified: true},
	})
	return nil
}

// Close moves an OPEN offering to CLOSED, freezing its application set.
func (s *Service) Close(ctx context.Context, offeringID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.offerings[offeringID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOffering, offeringID)
	}
	if state.offering.Status != models.OfferingStatusOpen {
		return fmt.Errorf("%w: %s is %s", ErrOfferingNotOpen, offeringID, state.offering.Status)
	}
	state.offering.Status = models.OfferingStatusClosed
	return nil
}

// Allocate runs the allocation strategy over a CLOSED offering's PENDING
// applications, then commits: refunds released from escrow, allotted lots
// paid to the issuer, shares transferred from the issuer's locked supply.
// Strategy output violating the §invariants aborts before anything commits.
func (s *Service) Allocate(ctx context.Context, offeringID uuid.UUID, strategy AllocationStrategy) ([]*models.IPOApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.offerings[offeringID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOffering, offeringID)
	}
	offering := state.offering
	if offering.Status != models.OfferingStatusClosed {
		return nil, fmt.Errorf("%w: %s is %s", ErrOfferingNotClosed, offeringID, offering.Status)
	}

	pending := make([]*models.IPOApplication, 0, len(state.apps))
	for _, app := range state.apps {
		if app.Status == models.ApplicationStatusPending {
			pending = append(pending, app)
		}
	}

	allocations := strategy.Allocate(offering.TotalSharesOffered, pending)
	if err := verifyAllocation(offering, pending, allocations); err != nil {
		return nil, err
	}

	price := offering.PricePerShare
	totalAllocated := decimal.Zero
	for _, app := range pending {
		alloc := allocations[app.ID]
		refund := app.QuantityRequested.Sub(alloc).Mul(price)
		totalAllocated = totalAllocated.Add(alloc)

		if refund.GreaterThan(decimal.Zero) {
			if err := s.ledger.Release(ctx, app.EscrowID, refund); err != nil {
				return nil, fmt.Errorf("refund application %s: %w", app.ID, err)
			}
		}
		if alloc.GreaterThan(decimal.Zero) {
			if err := s.ledger.TransferLocked(ctx, app.EscrowID, offering.IssuerID, alloc.Mul(price)); err != nil {
				return nil, fmt.Errorf("pay issuer for application %s: %w", app.ID, err)
			}
			if err := s.ledger.TransferLocked(ctx, offering.ID, app.ApplicantID, alloc); err != nil {
				return nil, fmt.Errorf("deliver shares for application %s: %w", app.ID, err)
			}
			app.Status = models.ApplicationStatusAllotted
		} else {
			app.Status = models.ApplicationStatusRejected
		}
		app.QuantityAllocated = alloc
		app.RefundAmount = refund
		app.UpdatedAt = s.now()
		s.publishOutcome(ctx, offering, app)
	}

	// Unsold supply goes back to the issuer.
	leftover := offering.TotalSharesOffered.Sub(totalAllocated)
	if leftover.GreaterThan(decimal.Zero) {
		if err := s.ledger.Release(ctx, offering.ID, leftover); err != nil {
			return nil, fmt.Errorf("return unsold shares: %w", err)
		}
	}

	offering.Status = models.OfferingStatusAllotted
	s.logger.Info("offering allotted",
		zap.String("offering_id", offeringID.String()),
		zap.String("allocated", totalAllocated.String()),
		zap.Int("applications", len(pending)))
	return pending, nil
}

// Cancel refunds every escrowed application in full and returns the issuer's
// share supply. Applications end REFUNDED; the offering ends CLOSED.
func (s *Service) Cancel(ctx context.Context, offeringID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.offerings[offeringID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOffering, offeringID)
	}
	if state.offering.Status == models.OfferingStatusAllotted {
		return fmt.Errorf("%w: %s already allotted", ErrOfferingNotOpen, offeringID)
	}

	for _, app := range state.apps {
		switch app.Status {
		case models.ApplicationStatusPending:
			if _, err := s.ledger.ReleaseAll(ctx, app.EscrowID); err != nil {
				return fmt.Errorf("refund application %s: %w", app.ID, err)
			}
			app.RefundAmount = app.AmountEscrowed
		case models.ApplicationStatusPaymentPending:
			// No escrow was taken yet.
		default:
			continue
		}
		app.Status = models.ApplicationStatusRefunded
		app.UpdatedAt = s.now()
	}
	if _, err := s.ledger.ReleaseAll(ctx, offeringID); err != nil {
		return fmt.Errorf("return issuer shares: %w", err)
	}
	state.offering.Status = models.OfferingStatusClosed
	return nil
}

// Application returns a registered application by id.
func (s *Service) Application(applicationID uuid.UUID) (*models.IPOApplication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.appIndex[applicationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, applicationID)
	}
	return app, nil
}

func (s *Service) openState(offeringID uuid.UUID) (*offeringState, error) {
	state, ok := s.offerings[offeringID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOffering, offeringID)
	}
	offering := state.offering
	if offering.Status != models.OfferingStatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrOfferingNotOpen, offeringID, offering.Status)
	}
	now := s.now()
	if now.Before(offering.WindowOpen) || !now.Before(offering.WindowClose) {
		return nil, fmt.Errorf("%w: offering %s", ErrWindowClosed, offeringID)
	}
	return state, nil
}

func (s *Service) checkBounds(offering *models.IPOOffering, quantity decimal.Decimal) error {
	if quantity.LessThan(offering.MinSubscription) || quantity.GreaterThan(offering.MaxSubscription) {
		return fmt.Errorf("%w: %s outside [%s, %s]", ErrSubscriptionBounds, quantity, offering.MinSubscription, offering.MaxSubscription)
	}
	return nil
}

func (s *Service) register(state *offeringState, offeringID, applicant uuid.UUID, quantity, amount decimal.Decimal, escrowID uuid.UUID, status string) *models.IPOApplication {
	s.seq++
	now := s.now()
	app := &models.IPOApplication{
		ID:                uuid.New(),
		OfferingID:        offeringID,
		ApplicantID:       applicant,
		Sequence:          s.seq,
		QuantityRequested: quantity,
		AmountEscrowed:    amount,
		QuantityAllocated: decimal.Zero,
		RefundAmount:      decimal.Zero,
		EscrowID:          escrowID,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	state.apps = append(state.apps, app)
	state.offering.TotalSubscribed = state.offering.TotalSubscribed.Add(quantity)
	s.appIndex[app.ID] = app
	s.appOwner[app.ID] = offeringID
	return app
}

func (s *Service) publishOutcome(ctx context.Context, offering *models.IPOOffering, app *models.IPOApplication) {
	eventType := events.TypeIPOAllotted
	if app.Status == models.ApplicationStatusRejected {
		eventType = events.TypeIPORejected
	}
	s.bus.Publish(ctx, events.Event{
		Topic:     events.TopicIPO,
		Type:      eventType,
		Timestamp: s.now(),
		Payload: events.IPOEvent{
			OfferingID:        offering.ID.String(),
			ApplicationID:     app.ID.String(),
			ApplicantID:       app.ApplicantID.String(),
			QuantityAllocated: app.QuantityAllocated.String(),
			RefundAmount:      app.RefundAmount.String(),
			Status:            app.Status,
		},
	})
}

// verifyAllocation enforces the pre-commit invariants: no application above
// its request, total within supply, and escrow conservation
// (refunds + allotment value == escrowed amounts). A violation is fatal for
// the allocation pass; nothing commits.
func verifyAllocation(offering *models.IPOOffering, apps []*models.IPOApplication, allocations map[uuid.UUID]decimal.Decimal) error {
	price := offering.PricePerShare
	totalAllocated := decimal.Zero
	totalEscrowed := decimal.Zero
	totalOut := decimal.Zero

	for _, app := range apps {
		alloc, ok := allocations[app.ID]
		if !ok || alloc.LessThan(decimal.Zero) {
			return fmt.Errorf("%w: missing or negative allocation for %s", ErrAllocationInvariant, app.ID)
		}
		if alloc.GreaterThan(app.QuantityRequested) {
			return fmt.Errorf("%w: %s allocated %s over requested %s", ErrAllocationInvariant, app.ID, alloc, app.QuantityRequested)
		}
		refund := app.QuantityRequested.Sub(alloc).Mul(price)
		totalAllocated = totalAllocated.Add(alloc)
		totalEscrowed = totalEscrowed.Add(app.AmountEscrowed)
		totalOut = totalOut.Add(refund).Add(alloc.Mul(price))
	}
	if totalAllocated.GreaterThan(offering.TotalSharesOffered) {
		return fmt.Errorf("%w: %s allocated over %s offered", ErrAllocationInvariant, totalAllocated, offering.TotalSharesOffered)
	}
	if !totalOut.Equal(totalEscrowed) {
		return fmt.Errorf("%w: refunds plus allotment value %s != escrowed %s", ErrAllocationInvariant, totalOut, totalEscrowed)
	}
	return nil
}
