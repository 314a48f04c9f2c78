package readpath

import (
	"context"
	"testing"

	"github.com/autosync/contactcache/internal/model"
	"github.com/autosync/contactcache/internal/store/memstore"
)

func TestListActiveContactsDelegatesToStore(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()

	tx, err := ms.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ms.UpsertContact(ctx, tx, "dev", model.Contact{ExternalContactID: "c1", DisplayName: "Alex"}, 100); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reader := New(ms)
	rows, err := reader.ListActiveContacts(ctx, "dev", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].DisplayName != "Alex" {
		t.Errorf("rows = %+v", rows)
	}

	count, err := reader.CountActiveContacts(ctx, "dev")
	if err != nil || count != 1 {
		t.Errorf("count = %d, err = %v", count, err)
	}

	_, ok, err := reader.GetSyncState(ctx, "dev")
	if err != nil {
		t.Fatalf("get sync state: %v", err)
	}
	if ok {
		t.Error("expected no sync state to exist yet")
	}
}

func TestListActiveContactsConcurrentCallsSucceed(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	reader := New(ms)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := reader.ListActiveContacts(ctx, "dev", "", 0)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent list returned error: %v", err)
		}
	}
}
