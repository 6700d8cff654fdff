package memory

import (
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "reports/job-1.json", "application/json", payload)
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://reports/job-1.json" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'
	stored, ok := store.Object("reports/job-1.json")
	if !ok || string(stored) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q ok=%v", stored, ok)
	}
	if _, ok := store.Object("missing"); ok {
		t.Fatal("expected miss for unknown path")
	}
}
