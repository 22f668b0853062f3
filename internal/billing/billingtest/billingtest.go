// Package billingtest holds shared fixtures for billing package tests.
package billingtest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens an isolated in-memory sqlite database with the billing schema.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(domain.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func SeedEntity(t *testing.T, db *gorm.DB, id snowflake.ID) {
	t.Helper()
	now := time.Now().UTC()
	if err := db.Create(&domain.BillableEntity{ID: id, Name: fmt.Sprintf("entity-%d", id), CreatedAt: now, UpdatedAt: now}).Error; err != nil {
		t.Fatalf("seed entity: %v", err)
	}
}

func SeedPlan(t *testing.T, db *gorm.DB, id snowflake.ID, priceID string) {
	t.Helper()
	now := time.Now().UTC()
	plan := domain.Plan{
		ID:              id,
		Code:            "plan_" + priceID,
		Provider:        domain.ProviderStripe,
		ProviderPriceID: priceID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.Create(&plan).Error; err != nil {
		t.Fatalf("seed plan: %v", err)
	}
}

func SeedIdempotency(t *testing.T, db *gorm.DB, row domain.IdempotencyRow) domain.IdempotencyRow {
	t.Helper()
	if row.Action == "" {
		row.Action = domain.IdempotencyActionCheckout
	}
	if row.Status == "" {
		row.Status = domain.IdempotencyStatusPending
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed idempotency: %v", err)
	}
	return row
}

// EventPayload renders a provider event envelope around object.
func EventPayload(t *testing.T, id, eventType string, created time.Time, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-03-31.basil",
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

// SignatureHeader signs payload the way the provider does for webhook deliveries.
func SignatureHeader(secret string, payload []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

// Guardrails records guardrail signals in memory.
type Guardrails struct {
	mu    sync.Mutex
	items []domain.Guardrail
}

func (g *Guardrails) RecordBillingGuardrail(_ context.Context, item domain.Guardrail) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items = append(g.items, item)
}

func (g *Guardrails) Count(code string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, item := range g.items {
		if item.Code == code {
			total++
		}
	}
	return total
}

func (g *Guardrails) Items() []domain.Guardrail {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Guardrail(nil), g.items...)
}
