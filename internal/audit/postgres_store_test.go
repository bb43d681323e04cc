package audit

import (
	"context"
	"testing"
	"time"

	"github.com/mwale/fraudlens/internal/testutil"
)

func pgStoreFixture(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	store := NewPostgresStore(db)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{
			ID: "aud_1", ActorID: "usr_admin", ActorName: "Admin",
			Action: ActionRuleCreated, EntityType: "rule", EntityID: "rule_1",
			Details:   map[string]any{"name": "High amount wire", "severity": "critical"},
			IPAddress: "10.0.0.5",
			Timestamp: base.Add(3 * time.Hour),
		},
		{
			ID: "aud_2", ActorID: "usr_analyst", ActorName: "Analyst",
			Action: ActionAnomalyUpdated, EntityType: "anomaly", EntityID: "anm_1",
			Details:   map[string]any{"status": "resolved"},
			Timestamp: base.Add(2 * time.Hour),
		},
		{
			ID:     "aud_3",
			Action: ActionTransactionIngested, EntityType: "transaction", EntityID: "txn_a",
			Timestamp: base.Add(time.Hour),
		},
	}
	for _, e := range entries {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("seed %s: %v", e.ID, err)
		}
	}
	return store
}

func TestPostgresStore_AppendAndList(t *testing.T) {
	store := pgStoreFixture(t)

	list, total, err := store.List(context.Background(), Filter{Limit: 10})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 3 || len(list) != 3 {
		t.Fatalf("total = %d, rows = %d, want 3 each", total, len(list))
	}
	// Newest first.
	if list[0].ID != "aud_1" || list[2].ID != "aud_3" {
		t.Errorf("order = %s ... %s", list[0].ID, list[2].ID)
	}

	// Details survive the JSONB round trip.
	if list[0].Details["name"] != "High amount wire" {
		t.Errorf("details = %v", list[0].Details)
	}
	if list[0].IPAddress != "10.0.0.5" {
		t.Errorf("ip_address = %q", list[0].IPAddress)
	}
	// Optional fields come back empty, not garbled.
	if list[2].ActorID != "" || list[2].Details != nil {
		t.Errorf("system entry got actor %q details %v", list[2].ActorID, list[2].Details)
	}
}

func TestPostgresStore_ListFilters(t *testing.T) {
	store := pgStoreFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	from := base.Add(90 * time.Minute)
	to := base.Add(150 * time.Minute)

	cases := []struct {
		name    string
		filter  Filter
		wantIDs []string
	}{
		{"by actor", Filter{ActorID: "usr_analyst", Limit: 10}, []string{"aud_2"}},
		{"by action", Filter{Action: ActionRuleCreated, Limit: 10}, []string{"aud_1"}},
		{"by entity type", Filter{EntityType: "anomaly", Limit: 10}, []string{"aud_2"}},
		{"by entity id", Filter{EntityID: "txn_a", Limit: 10}, []string{"aud_3"}},
		{"time window", Filter{From: &from, To: &to, Limit: 10}, []string{"aud_2"}},
		{"actor and entity", Filter{ActorID: "usr_admin", EntityType: "rule", Limit: 10}, []string{"aud_1"}},
		{"no match", Filter{Action: "apikey.created", Limit: 10}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			list, total, err := store.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if total != len(tc.wantIDs) {
				t.Fatalf("total = %d, want %d", total, len(tc.wantIDs))
			}
			if len(list) != len(tc.wantIDs) {
				t.Fatalf("got %d rows, want %d", len(list), len(tc.wantIDs))
			}
			for i, id := range tc.wantIDs {
				if list[i].ID != id {
					t.Errorf("row %d = %s, want %s", i, list[i].ID, id)
				}
			}
		})
	}
}

func TestPostgresStore_Pagination(t *testing.T) {
	store := pgStoreFixture(t)

	list, total, err := store.List(context.Background(), Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(list) != 1 || list[0].ID != "aud_2" {
		t.Errorf("page = %v", list)
	}
}
