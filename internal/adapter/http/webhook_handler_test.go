package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"estatefund-escrow/internal/adapter/provider"
	"estatefund-escrow/internal/adapter/repository/mysql"
	"estatefund-escrow/internal/domain/audit"
	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/infrastructure/metrics"
	"estatefund-escrow/internal/testutil/dbtest"
	"estatefund-escrow/internal/usecase/anomaly"
	"estatefund-escrow/internal/usecase/escrow"
	"estatefund-escrow/internal/usecase/funding"
	"estatefund-escrow/internal/usecase/idempotency"
	"estatefund-escrow/internal/usecase/reconcile"
)

type webhookEnv struct {
	db      *gorm.DB
	e       *echo.Echo
	metrics *metrics.Metrics
}

func newWebhookEnv(t *testing.T, tpayPolicy *provider.SourcePolicy, rec EventReconciler) *webhookEnv {
	t.Helper()
	db := dbtest.Open(t)
	m := metrics.New(prometheus.NewRegistry())
	u := mysql.NewGormUoW(db)
	if rec == nil {
		rep := anomaly.NewReporter(nil, m)
		rec = reconcile.NewReconciler(u,
			idempotency.NewGuard(nil, time.Hour, nil),
			funding.NewUpdater(nil, rep),
			escrow.NewManager("EUR", nil, m, rep),
			nil, m)
	}
	reg := provider.NewRegistry()
	reg.Register(provider.NewTpay("", ""), tpayPolicy)
	reg.Register(provider.NewPayU(""), nil)

	e := echo.New()
	e.IPExtractor = echo.ExtractIPDirect()
	h := NewWebhookHandler(reg, rec, u, 5*time.Second, nil, m)
	e.POST("/webhooks/:provider", h.Receive)
	return &webhookEnv{db: db, e: e, metrics: m}
}

func (w *webhookEnv) post(name, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+name, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, contentType)
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	w.e.ServeHTTP(rec, req)
	return rec
}

func tpayBody(txn, status, amount string) string {
	f := url.Values{}
	f.Set("tr_id", txn)
	f.Set("tr_status", status)
	f.Set("tr_amount", amount)
	f.Set("tr_currency", "EUR")
	return f.Encode()
}

const formType = "application/x-www-form-urlencoded"

func TestWebhook_CompletedThenDuplicate(t *testing.T) {
	w := newWebhookEnv(t, nil, nil)
	dbtest.SeedProject(t, w.db, "P", "100000")
	inv := dbtest.SeedInvestment(t, w.db, "I1", "U1", "P", "100000", investment.StatusPending)
	dbtest.SeedPayment(t, w.db, "pay-1", "tpay", "TR-1", "", inv)

	for i := 0; i < 3; i++ {
		rec := w.post("tpay", formType, tpayBody("TR-1", "TRUE", "100000.00"))
		if rec.Code != http.StatusOK || rec.Body.String() != "TRUE" {
			t.Fatalf("delivery %d => want 200 TRUE, got %d %q", i+1, rec.Code, rec.Body.String())
		}
	}

	if st := dbtest.Payment(t, w.db, "pay-1").Status; st != payment.StatusCompleted {
		t.Fatalf("payment status = %s", st)
	}
	p := dbtest.Project(t, w.db, "P")
	if !p.CurrentFunding.Equal(dbtest.D("100000")) || p.Status != project.StatusFundingComplete {
		t.Fatalf("project = %s %s", p.CurrentFunding, p.Status)
	}
	if n := len(dbtest.Entries(t, w.db, "P")); n != 1 {
		t.Fatalf("escrow entries = %d, want 1", n)
	}
	if got := testutil.ToFloat64(w.metrics.WebhookEvents.WithLabelValues("tpay", "applied")); got != 1 {
		t.Fatalf("applied counter = %v", got)
	}
	dbtest.AssertBalanced(t, w.db, "P")
}

func TestWebhook_OrphanIsAcked(t *testing.T) {
	w := newWebhookEnv(t, nil, nil)
	rec := w.post("tpay", formType, tpayBody("TR-UNKNOWN", "TRUE", "10.00"))
	if rec.Code != http.StatusOK {
		t.Fatalf("orphan => want 200, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(w.metrics.WebhookEvents.WithLabelValues("tpay", "orphan")); got != 1 {
		t.Fatalf("orphan counter = %v", got)
	}
}

func TestWebhook_IgnoredEventIsAcked(t *testing.T) {
	w := newWebhookEnv(t, nil, nil)
	rec := w.post("payu", echo.MIMEApplicationJSON, `{"orderId":"O1","refund":{"refundId":"1","status":"PENDING"}}`)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"OK"}` {
		t.Fatalf("ignored => want 200 payu ack, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestWebhook_Errors(t *testing.T) {
	w := newWebhookEnv(t, nil, nil)

	if rec := w.post("acme", formType, "x=1"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider => want 404, got %d", rec.Code)
	}
	if rec := w.post("tpay", formType, "tr_status=TRUE"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed => want 400, got %d", rec.Code)
	}
	if rec := w.post("payu", echo.MIMEApplicationJSON, `{"order":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json => want 400, got %d", rec.Code)
	}
	big := strings.Repeat("a", maxWebhookBytes+1)
	if rec := w.post("tpay", formType, big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized => want 413, got %d", rec.Code)
	}
	if n := dbtest.Count(t, w.db, &audit.Entry{}, "action = ?", audit.ActionWebhookRejected); n != 2 {
		t.Fatalf("malformed deliveries should be audited, got %d entries", n)
	}
}

func TestWebhook_UnauthorizedSourceIsAudited(t *testing.T) {
	policy, err := provider.NewSourcePolicy([]string{"195.149.229.109"}, true)
	if err != nil {
		t.Fatal(err)
	}
	w := newWebhookEnv(t, policy, nil)
	dbtest.SeedProject(t, w.db, "P", "100")
	inv := dbtest.SeedInvestment(t, w.db, "I1", "U1", "P", "100", investment.StatusPending)
	dbtest.SeedPayment(t, w.db, "pay-1", "tpay", "TR-1", "", inv)

	rec := w.post("tpay", formType, tpayBody("TR-1", "TRUE", "100.00"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign source => want 403, got %d", rec.Code)
	}
	if st := dbtest.Payment(t, w.db, "pay-1").Status; st != payment.StatusPending {
		t.Fatalf("payment must stay pending, got %s", st)
	}
	if n := dbtest.Count(t, w.db, &audit.Entry{}, "action = ?", audit.ActionWebhookRejected); n != 1 {
		t.Fatalf("webhook.rejected audits = %d, want 1", n)
	}
}

type reconcilerFunc func(ctx context.Context, ev *payment.Event) (*reconcile.Result, error)

func (f reconcilerFunc) Handle(ctx context.Context, ev *payment.Event) (*reconcile.Result, error) {
	return f(ctx, ev)
}

func TestWebhook_ReconcileFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"storage", errors.New("deadlock found"), http.StatusInternalServerError},
		{"timeout", context.DeadlineExceeded, http.StatusInternalServerError},
		{"no reference", reconcile.ErrMissingReference, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newWebhookEnv(t, nil, reconcilerFunc(func(ctx context.Context, ev *payment.Event) (*reconcile.Result, error) {
				if _, ok := ctx.Deadline(); !ok {
					t.Errorf("reconciler ctx has no deadline")
				}
				return nil, tc.err
			}))
			if rec := w.post("tpay", formType, tpayBody("TR-1", "TRUE", "1.00")); rec.Code != tc.want {
				t.Fatalf("want %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
