// Package payment verifies external chain transfers against expected
// deposits before any balance is credited.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumenex/exchange-core/pkg/models"
)

// Verification errors. All of them are terminal for the given signature and
// claim; nothing is recorded on failure.
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrSenderMismatch      = errors.New("sender mismatch")
	ErrRecipientMismatch   = errors.New("recipient mismatch")
	ErrAmountMismatch      = errors.New("amount mismatch")
	ErrSignatureReplayed   = errors.New("signature already verified")
)

// ConfirmedTransfer is the chain's view of one finalized transaction. The
// transferred amount is derived from the sender's balance delta, so network
// fees paid by the sender are part of the delta and absorbed by the tolerance.
type ConfirmedTransfer struct {
	From        string
	To          string
	PreBalance  decimal.Decimal
	PostBalance decimal.Decimal
}

// ChainRPC fetches finalized transactions by signature.
type ChainRPC interface {
	GetConfirmedTransaction(ctx context.Context, signature string) (*ConfirmedTransfer, error)
}

// RecordStore persists successful verifications keyed by signature.
// PutIfAbsent must be atomic so concurrent verifications of one signature
// store exactly one record.
type RecordStore interface {
	Get(ctx context.Context, signature string) (*models.PaymentVerificationRecord, error)
	PutIfAbsent(ctx context.Context, record *models.PaymentVerificationRecord) (bool, error)
}

// Verifier checks claimed transfers against the chain. Each signature
// verifies at most once: repeating the identical claim returns the stored
// result, while reusing the signature for a different claim fails with
// ErrSignatureReplayed.
type Verifier struct {
	rpc    ChainRPC
	store  RecordStore
	logger *zap.Logger
	now    func() time.Time
}

// NewVerifier creates a verifier over the given chain endpoint and store.
func NewVerifier(rpc ChainRPC, store RecordStore, logger *zap.Logger) *Verifier {
	return &Verifier{rpc: rpc, store: store, logger: logger, now: time.Now}
}

// Verify confirms that the transaction behind txSignature moved roughly
// expectedAmount (within toleranceAbs) from expectedFrom to expectedTo.
// The created result is true only for the call that stored the record;
// repeats of an identical claim get the stored record with created false,
// so callers can gate a credit on first verification.
func (v *Verifier) Verify(ctx context.Context, txSignature, expectedFrom, expectedTo string, expectedAmount, toleranceAbs decimal.Decimal) (*models.PaymentVerificationRecord, bool, error) {
	if prior, err := v.store.Get(ctx, txSignature); err != nil {
		return nil, false, fmt.Errorf("lookup verification record: %w", err)
	} else if prior != nil {
		if prior.ExpectedFrom == expectedFrom && prior.ExpectedTo == expectedTo && prior.ExpectedAmount.Equal(expectedAmount) {
			return prior, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrSignatureReplayed, txSignature)
	}

	transfer, err := v.rpc.GetConfirmedTransaction(ctx, txSignature)
	if err != nil {
		return nil, false, fmt.Errorf("fetch transaction %s: %w", txSignature, err)
	}
	if transfer == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrTransactionNotFound, txSignature)
	}
	if transfer.From != expectedFrom {
		return nil, false, fmt.Errorf("%w: got %s, expected %s", ErrSenderMismatch, transfer.From, expectedFrom)
	}
	if transfer.To != expectedTo {
		return nil, false, fmt.Errorf("%w: got %s, expected %s", ErrRecipientMismatch, transfer.To, expectedTo)
	}

	transferred := transfer.PreBalance.Sub(transfer.PostBalance)
	if transferred.Sub(expectedAmount).Abs().GreaterThan(toleranceAbs) {
		return nil, false, fmt.Errorf("%w: transferred %s, expected %s within %s",
			ErrAmountMismatch, transferred, expectedAmount, toleranceAbs)
	}

	record := &models.PaymentVerificationRecord{
		TxSignature:       txSignature,
		ExpectedFrom:      expectedFrom,
		ExpectedTo:        expectedTo,
		ExpectedAmount:    expectedAmount,
		ToleranceAbs:      toleranceAbs,
		TransferredAmount: transferred,
		Verified:          true,
		VerifiedAt:        v.now(),
	}
	stored, err := v.store.PutIfAbsent(ctx, record)
	if err != nil {
		return nil, false, fmt.Errorf("store verification record: %w", err)
	}
	if !stored {
		// Lost the race to a concurrent verification of the same signature.
		prior, err := v.store.Get(ctx, txSignature)
		if err != nil {
			return nil, false, fmt.Errorf("lookup verification record: %w", err)
		}
		if prior != nil && prior.ExpectedFrom == expectedFrom && prior.ExpectedTo == expectedTo && prior.ExpectedAmount.Equal(expectedAmount) {
			return prior, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrSignatureReplayed, txSignature)
	}

	v.logger.Info("payment verified",
		zap.String("tx_signature", txSignature),
		zap.String("from", expectedFrom),
		zap.String("to", expectedTo),
		zap.String("transferred", transferred.String()))
	return record, true, nil
}
