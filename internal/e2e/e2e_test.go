package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billsync/internal/billing"
	"github.com/smallbiznis/billsync/internal/billing/billingtest"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	"github.com/smallbiznis/billsync/internal/observability"
	"github.com/smallbiznis/billsync/internal/ratelimit"
	"github.com/smallbiznis/billsync/internal/scheduler"
	"github.com/smallbiznis/billsync/internal/server"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	baseURL string
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := billingtest.NewDB(t)
	cfg := config.Config{
		AppName:     "billsync",
		Environment: "test",
		RunnerID:    "e2e",
		HTTPAddr:    "127.0.0.1:0",
		Stripe: config.StripeConfig{
			SecretKey:     "sk_test_e2e",
			WebhookSecret: billingtest.WebhookSecret,
		},
	}

	var engine *gin.Engine
	app := fxtest.New(t,
		fx.Supply(cfg, db),
		fx.Provide(func() *config.ReconciliationConfigHolder {
			return config.NewStaticReconciliationConfigHolder(config.DefaultReconciliationConfig())
		}),
		fx.Provide(func() (*snowflake.Node, error) { return snowflake.NewNode(7) }),
		observability.Module,
		clock.Module,
		ratelimit.Module,
		billing.Module,
		scheduler.Module,
		server.Module,
		fx.Populate(&engine),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return &testEnv{db: db, baseURL: srv.URL}
}

func (e *testEnv) post(t *testing.T, path string, body []byte, header http.Header) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, raw
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func signedHeader(payload []byte) http.Header {
	return http.Header{
		"Content-Type":     []string{"application/json"},
		"Stripe-Signature": []string{billingtest.SignatureHeader(billingtest.WebhookSecret, payload, time.Now().Unix())},
	}
}

func TestE2E_HealthCheck(t *testing.T) {
	env := startEnv(t)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_WebhookDeliveryIsProjectedOnce(t *testing.T) {
	env := startEnv(t)
	billingtest.SeedEntity(t, env.db, 77)

	payload := billingtest.EventPayload(t, "evt_e2e_1", domain.EventTypeCheckoutSessionCompleted, time.Now(), map[string]any{
		"id":             "cs_e2e_1",
		"object":         "checkout.session",
		"mode":           "payment",
		"status":         "complete",
		"payment_status": "paid",
		"customer":       "cus_e2e",
		"payment_intent": "pi_e2e",
		"amount_total":   1500,
		"currency":       "usd",
		"metadata": map[string]string{
			"billable_entity_id": "77",
			"operation_key":      "op_e2e",
		},
	})

	for i, want := range []string{"processed", "duplicate"} {
		status, body := env.post(t, "/webhooks/stripe", payload, signedHeader(payload))
		if status != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, status, string(body))
		}
		var resp struct {
			Received bool   `json:"received"`
			Status   string `json:"status"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if !resp.Received || resp.Status != want {
			t.Fatalf("delivery %d: expected %s, got %+v", i, want, resp)
		}
	}

	if n := countRows(t, env.db, &domain.WebhookEvent{}); n != 1 {
		t.Fatalf("expected 1 webhook event, got %d", n)
	}
	if n := countRows(t, env.db, &domain.BillingPurchase{}); n != 1 {
		t.Fatalf("expected 1 purchase, got %d", n)
	}
	if n := countRows(t, env.db, &domain.Customer{}); n != 1 {
		t.Fatalf("expected 1 customer, got %d", n)
	}
}

func TestE2E_WebhookWithBadSignatureIsRejected(t *testing.T) {
	env := startEnv(t)
	payload := billingtest.EventPayload(t, "evt_e2e_2", domain.EventTypeInvoicePaid, time.Now(), map[string]any{"id": "in_1"})

	header := signedHeader(payload)
	header.Set("Stripe-Signature", billingtest.SignatureHeader("whsec_wrong", payload, time.Now().Unix()))
	status, body := env.post(t, "/webhooks/stripe", payload, header)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", status, string(body))
	}
	if n := countRows(t, env.db, &domain.WebhookEvent{}); n != 0 {
		t.Fatalf("rejected delivery must not be stored, found %d", n)
	}
}

func TestE2E_ManualReconciliationRun(t *testing.T) {
	env := startEnv(t)

	status, body := env.post(t, "/internal/reconciliation/pending_recent/run", []byte(`{"lease_seconds":120}`), http.Header{
		"Content-Type": []string{"application/json"},
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, string(body))
	}
	if !strings.Contains(string(body), `"status":"succeeded"`) {
		t.Fatalf("unexpected run result: %s", string(body))
	}

	var run domain.ReconciliationRun
	if err := env.db.Where("scope = ?", string(domain.ScopePendingRecent)).Take(&run).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.RunnerID != "e2e" || run.Status != domain.ReconciliationStatusSucceeded || run.LeaseVersion != 1 {
		t.Fatalf("unexpected run row: %+v", run)
	}

	status, body = env.post(t, "/internal/reconciliation/not_a_scope/run", nil, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown scope, got %d: %s", status, string(body))
	}
}
