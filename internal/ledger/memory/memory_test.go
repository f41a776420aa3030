package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/ledger/ledgertest"
	identmem "github.com/tokligence/tokligence-credits/internal/userstore/memory"
)

func TestStoreConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledgertest.Harness {
		idents := identmem.New()
		store := New(WithIdentityCheck(idents.Exists))
		idents.OnDelete(store.Forget)
		return ledgertest.Harness{
			Ledger: store,
			AddIdentity: func(t *testing.T, id string) {
				if _, err := idents.Create(context.Background(), id, "", time.Now()); err != nil {
					t.Fatalf("create identity: %v", err)
				}
			},
			RemoveIdentity: func(t *testing.T, id string) {
				if _, err := idents.Delete(context.Background(), id); err != nil {
					t.Fatalf("delete identity: %v", err)
				}
			},
		}
	})
}

func TestCanceledContextIsTransient(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Consume(ctx, ledger.ConsumeRequest{UserID: "u", Amount: 1})
	if !ledger.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
