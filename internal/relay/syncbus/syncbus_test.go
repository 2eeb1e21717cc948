package syncbus

import (
	"context"
	"testing"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	b := New(false, "localhost:6379", "", 0, "ch")
	if b != nil {
		t.Fatal("expected nil bus when disabled")
	}
}

func TestNilBusMethodsAreNoOps(t *testing.T) {
	var b *Bus
	if err := b.PublishRegister(context.Background(), 1, 5000); err != nil {
		t.Fatalf("expected nil-receiver publish to be a no-op, got %v", err)
	}
	if err := b.PublishUnregister(context.Background(), 1); err != nil {
		t.Fatalf("expected nil-receiver publish to be a no-op, got %v", err)
	}
	b.Subscribe(context.Background()) // must not panic
}
