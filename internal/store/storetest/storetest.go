// Package storetest opens migrated SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wamator/internal/logging"
	"wamator/internal/store"
)

func New(t *testing.T) *store.Store {
	t.Helper()
	return NewWithNow(t, time.Now)
}

func NewWithNow(t *testing.T, now func() time.Time) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wamator.db")
	if err := store.Migrate(store.DriverSQLite, path, "up"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		DSN:    path,
		Logger: logging.Nop(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Tenant is one seeded consumer with a subscribed user owning one number.
type Tenant struct {
	ID      int64
	APIKey  string
	UserID  int64
	PlanID  int64
	Address string
}

// Seed creates a consumer, a user on an open-ended plan allowing maxNumbers, and one number.
func Seed(t *testing.T, st *store.Store, apiKey, address string, maxNumbers int) Tenant {
	t.Helper()
	ctx := context.Background()
	tenantID, err := st.CreateConsumer(ctx, "tenant-"+apiKey, apiKey)
	if err != nil {
		t.Fatalf("CreateConsumer: %v", err)
	}
	userID, err := st.CreateUser(ctx, tenantID, "user")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	planID, err := st.CreatePlan(ctx, "basic", maxNumbers)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := st.CreateSubscription(ctx, userID, planID, "active", 0); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if _, err := st.AddNumber(ctx, userID, address); err != nil {
		t.Fatalf("AddNumber: %v", err)
	}
	return Tenant{ID: tenantID, APIKey: apiKey, UserID: userID, PlanID: planID, Address: address}
}
