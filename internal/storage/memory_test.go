package storage

import (
	"context"
	"fmt"
	"testing"
)

func TestMemoryStoreInsertionOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := store.Insert(ctx, &MessageRecord{
			ConversationID: "conv-1",
			Role:           "user",
			Content:        fmt.Sprintf("msg-%d", i),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	recs, err := store.Messages(ctx, "conv-1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if want := fmt.Sprintf("msg-%d", i); rec.Content != want {
			t.Errorf("record %d: got %q, want %q", i, rec.Content, want)
		}
		if rec.ID == "" {
			t.Errorf("record %d: missing generated id", i)
		}
	}
}

func TestMemoryStoreUnknownConversation(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Messages(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreMutationIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Insert(ctx, &MessageRecord{ConversationID: "c", Content: "original"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	recs, _ := store.Messages(ctx, "c")
	recs[0].Content = "mutated"

	again, _ := store.Messages(ctx, "c")
	if again[0].Content != "original" {
		t.Fatal("store returned aliased record")
	}
}
