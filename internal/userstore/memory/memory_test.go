package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tokligence/tokligence-credits/internal/userstore"
	"github.com/tokligence/tokligence-credits/internal/userstore/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) userstore.Store { return New() })
}

func TestDeleteRunsCascades(t *testing.T) {
	s := New()
	var dropped []string
	s.OnDelete(func(id string) { dropped = append(dropped, id) })

	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{"a", "b"} {
		if _, err := s.Create(ctx, id, "", old); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.DeleteStaleAnonymous(ctx, []string{"b"}, time.Now()); err != nil {
		t.Fatalf("DeleteStaleAnonymous: %v", err)
	}
	if len(dropped) != 2 || dropped[0] != "a" || dropped[1] != "b" {
		t.Fatalf("unexpected cascades %v", dropped)
	}
	if s.Exists("a") || s.Exists("b") {
		t.Fatalf("identities should be gone")
	}
}
