package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"

	"finitefield.org/order-engine/internal/services"
)

// ProviderWallet is the registration key of the stored-value ledger.
const ProviderWallet = "wallet"

// WalletLedgerProvider accepts refunds for wallet-funded orders. The balance itself is credited
// by the wallet service when the refund orchestrator reverts the payment.
type WalletLedgerProvider struct {
	newID func() string
}

// NewWalletLedgerProvider constructs the wallet refund provider.
func NewWalletLedgerProvider() *WalletLedgerProvider {
	return &WalletLedgerProvider{
		newID: func() string {
			return ulid.Make().String()
		},
	}
}

// Refund records the refund against the ledger.
func (p *WalletLedgerProvider) Refund(_ context.Context, req RefundRequest) (RefundOutcome, error) {
	if req.Amount <= 0 {
		return RefundOutcome{Status: StatusFailed, FailureReason: "refund amount must be positive"}, nil
	}
	return RefundOutcome{
		RefundID: "wrf_" + p.newID(),
		Status:   StatusSucceeded,
		Amount:   req.Amount,
	}, nil
}

// RefundGateway adapts the provider Manager to the refund orchestrator.
type RefundGateway struct {
	manager *Manager
	logger  StripeLogger
}

var _ services.RefundGateway = (*RefundGateway)(nil)

// NewRefundGateway wraps manager for the refund orchestrator.
func NewRefundGateway(manager *Manager, logger StripeLogger) (*RefundGateway, error) {
	if manager == nil {
		return nil, errors.New("payments: manager is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &RefundGateway{manager: manager, logger: logger}, nil
}

// Refund calls the PSP once. A definitive decline is reported as an unsuccessful result; an
// error means the outcome is unknown.
func (g *RefundGateway) Refund(ctx context.Context, req services.RefundRequest) (services.RefundResult, error) {
	outcome, err := g.manager.Refund(ctx, req.PayChannel, RefundRequest{
		IntentID:       strings.TrimSpace(req.ThirdTradeNo),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		Metadata: map[string]string{
			"tenantId": req.TenantID,
			"storeId":  req.StoreID,
			"orderId":  req.OrderID,
			"refundId": req.RefundID,
		},
	})
	if err != nil {
		g.logger(ctx, "payments.refund.error", map[string]any{
			"orderId":  req.OrderID,
			"refundId": req.RefundID,
			"error":    err.Error(),
		})
		return services.RefundResult{}, err
	}
	if !outcome.Accepted() {
		return services.RefundResult{Success: false, ErrorMsg: defaultString(outcome.FailureReason, "refund declined")}, nil
	}
	return services.RefundResult{Success: true, RefundNo: outcome.RefundID}, nil
}
