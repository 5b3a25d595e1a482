package banner

import (
	"context"
	"testing"
	"time"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
)

const account = "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"

func TestStoreAddListDismiss(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	kv := storage.NewMemory()
	store := NewStore(kv, clock)

	err := store.AddBanners(ctx, account, []model.Banner{
		{ID: "b", Title: "first"},
		{ID: "a", Title: "expired", EndTime: now.Add(-time.Hour).UnixMilli()},
		{ID: "c", Title: "future", StartTime: now.Add(time.Hour).UnixMilli()},
	})
	if err != nil {
		t.Fatalf("AddBanners failed: %v", err)
	}
	if err := store.AddBanners(ctx, account, []model.Banner{{ID: "b", Title: "replaced"}}); err != nil {
		t.Fatalf("AddBanners replace failed: %v", err)
	}

	list, err := store.List(ctx, account)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].Title != "replaced" {
		t.Fatalf("unexpected banners %+v", list)
	}

	if err := store.Dismiss(ctx, account, "b"); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	reloaded := NewStore(kv, clock)
	list, err = reloaded.List(ctx, account)
	if err != nil {
		t.Fatalf("List after reload failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected dismissed banner hidden after reload, got %+v", list)
	}
}
