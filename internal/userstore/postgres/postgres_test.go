package postgres

import (
	"testing"

	"github.com/tokligence/tokligence-credits/internal/dbutil"
	"github.com/tokligence/tokligence-credits/internal/userstore"
	"github.com/tokligence/tokligence-credits/internal/userstore/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) userstore.Store {
		store, err := New(dbutil.TestPostgresDSN(t), dbutil.Pool{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
