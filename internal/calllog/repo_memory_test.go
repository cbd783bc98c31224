package calllog

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryRepoRecentNewestFirst(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		err := repo.Save(ctx, Record{
			CallID:  fmt.Sprintf("call-%d", i),
			EndedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	recs, err := repo.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].CallID != "call-2" || recs[1].CallID != "call-1" {
		t.Fatalf("expected newest first, got %v", recs)
	}

	all, err := repo.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("limit 0 should return everything, got %d", len(all))
	}
}

func TestMemoryRepoCapsHistory(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	for i := 0; i < memoryCap+10; i++ {
		_ = repo.Save(ctx, Record{CallID: fmt.Sprintf("call-%d", i)})
	}

	recs, err := repo.Recent(ctx, memoryCap+10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != memoryCap {
		t.Fatalf("expected history capped at %d, got %d", memoryCap, len(recs))
	}
	if recs[0].CallID != fmt.Sprintf("call-%d", memoryCap+9) {
		t.Fatalf("expected newest record retained, got %s", recs[0].CallID)
	}
}
