package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"estatefund-escrow/internal/adapter/provider"
	"estatefund-escrow/internal/domain/audit"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/uow"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/infrastructure/metrics"
	"estatefund-escrow/internal/usecase/reconcile"
)

const maxWebhookBytes = 1 << 20

type EventReconciler interface {
	Handle(ctx context.Context, ev *payment.Event) (*reconcile.Result, error)
}

type WebhookHandler struct {
	providers *provider.Registry
	rec       EventReconciler
	uow       uow.UnitOfWork
	timeout   time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewWebhookHandler(reg *provider.Registry, rec EventReconciler, u uow.UnitOfWork, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{providers: reg, rec: rec, uow: u, timeout: timeout, log: logger.OrNop(log), metrics: m}
}

// Receive handles POST /webhooks/:provider. Applied, duplicate, orphan and
// ignored events all get the provider's ack so it stops retrying.
func (h *WebhookHandler) Receive(c echo.Context) error {
	name := strings.ToLower(c.Param("provider"))
	r := c.Request()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "unreadable body")
	}
	if len(body) > maxWebhookBytes {
		return errorJSON(c, http.StatusRequestEntityTooLarge, "payload too large")
	}
	req := provider.Request{
		Body:        body,
		ContentType: r.Header.Get(echo.HeaderContentType),
		Header:      r.Header,
		RemoteIP:    c.RealIP(),
	}

	ev, n, err := h.providers.Normalize(name, req)
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		return errorJSON(c, http.StatusNotFound, "unknown provider")
	case errors.Is(err, provider.ErrUnauthorizedSource):
		h.metrics.Webhook(name, "unauthorized")
		h.log.Warn("webhook rejected", zap.String("provider", name), zap.String("remote_ip", req.RemoteIP), zap.Error(err))
		h.recordRejection(r.Context(), name, req.RemoteIP, "unauthorized", err)
		return errorJSON(c, http.StatusForbidden, "forbidden")
	case errors.Is(err, provider.ErrMalformedPayload):
		h.metrics.Webhook(name, "malformed")
		h.log.Warn("malformed webhook", zap.String("provider", name), zap.Error(err))
		h.recordRejection(r.Context(), name, req.RemoteIP, "malformed", err)
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case err != nil:
		h.log.Error("webhook normalisation failed", zap.String("provider", name), zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "internal error")
	}
	if ev == nil {
		h.metrics.Webhook(name, "ignored")
		return ack(c, n)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if _, err := h.rec.Handle(ctx, ev); err != nil {
		if errors.Is(err, reconcile.ErrMissingReference) {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		h.log.Error("webhook reconciliation failed",
			zap.String("provider", name),
			zap.String("transaction_id", ev.ProviderTransactionID),
			zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)),
			zap.Error(err),
		)
		return errorJSON(c, http.StatusInternalServerError, "internal error")
	}
	return ack(c, n)
}

func ack(c echo.Context, n provider.Normalizer) error {
	a := n.Ack()
	return c.Blob(http.StatusOK, a.ContentType, a.Body)
}

func (h *WebhookHandler) recordRejection(ctx context.Context, name, remoteIP, kind string, cause error) {
	if h.uow == nil {
		return
	}
	e := audit.New("provider:"+name, audit.ActionWebhookRejected, "webhook", name, audit.SeverityWarning, map[string]any{
		"remote_ip": remoteIP,
		"kind":      kind,
		"reason":    cause.Error(),
	})
	err := h.uow.WithinTx(ctx, func(r uow.Repos) error { return r.Audit.Append(ctx, e) })
	if err != nil {
		h.log.Error("audit write failed", zap.String("action", audit.ActionWebhookRejected), zap.Error(err))
	}
}
