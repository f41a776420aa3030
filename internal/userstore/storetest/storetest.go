// Package storetest runs the shared userstore.Store contract against a backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/userstore"
)

// Run exercises store behaviour on a fresh store per subtest.
func Run(t *testing.T, newStore func(t *testing.T) userstore.Store) {
	ctx := context.Background()
	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ident, err := s.Create(ctx, "anon-1", "", now)
		require.NoError(t, err)
		require.True(t, ident.Anonymous)
		require.Empty(t, ident.Email)

		again, err := s.Create(ctx, "anon-1", "", now.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, again.CreatedAt.Equal(now))

		missing, err := s.Get(ctx, "nobody")
		require.NoError(t, err)
		require.Nil(t, missing)

		_, err = s.Create(ctx, " ", "", now)
		require.ErrorIs(t, err, userstore.ErrMissingUserID)
	})

	t.Run("UpgradeAttachesEmail", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "anon-1", "", now)
		require.NoError(t, err)

		up, err := s.Upgrade(ctx, "anon-1", " Alice@Example.com ", now.Add(time.Minute))
		require.NoError(t, err)
		require.False(t, up.Anonymous)
		require.Equal(t, "alice@example.com", up.Email)
		require.NotNil(t, up.UpgradedAt)

		found, err := s.FindByEmail(ctx, "ALICE@example.com")
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, "anon-1", found.ID)
		require.Equal(t, ledger.ClassRegistered, userstore.ClassOf(found))

		// repeating the same upgrade is a no-op
		_, err = s.Upgrade(ctx, "anon-1", "alice@example.com", now.Add(2*time.Minute))
		require.NoError(t, err)

		_, err = s.Upgrade(ctx, "anon-1", "other@example.com", now)
		require.ErrorIs(t, err, userstore.ErrNotAnonymous)
		_, err = s.Upgrade(ctx, "ghost", "g@example.com", now)
		require.ErrorIs(t, err, userstore.ErrNotFound)
		_, err = s.Upgrade(ctx, "anon-1", "not-an-email", now)
		require.ErrorIs(t, err, userstore.ErrInvalidEmail)
	})

	t.Run("UpgradeRejectsTakenEmail", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "reg", "bob@example.com", now)
		require.NoError(t, err)
		_, err = s.Create(ctx, "anon", "", now)
		require.NoError(t, err)
		_, err = s.Upgrade(ctx, "anon", "bob@example.com", now)
		require.ErrorIs(t, err, userstore.ErrEmailTaken)
	})

	t.Run("StaleAnonymous", func(t *testing.T) {
		s := newStore(t)
		old := now.Add(-48 * time.Hour)
		_, err := s.Create(ctx, "old-anon", "", old)
		require.NoError(t, err)
		_, err = s.Create(ctx, "old-upgraded", "", old)
		require.NoError(t, err)
		_, err = s.Upgrade(ctx, "old-upgraded", "carol@example.com", now)
		require.NoError(t, err)
		_, err = s.Create(ctx, "young-anon", "", now.Add(-time.Hour))
		require.NoError(t, err)

		cutoff := now.Add(-24 * time.Hour)
		stale, err := s.ListStaleAnonymous(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		require.Equal(t, "old-anon", stale[0].ID)

		deleted, err := s.DeleteStaleAnonymous(ctx, []string{"old-anon", "old-upgraded", "young-anon"}, cutoff)
		require.NoError(t, err)
		require.Equal(t, []string{"old-anon"}, deleted)

		for _, id := range []string{"old-upgraded", "young-anon"} {
			ident, err := s.Get(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, ident, id)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "u1", "", now)
		require.NoError(t, err)
		removed, err := s.Delete(ctx, "u1")
		require.NoError(t, err)
		require.True(t, removed)
		removed, err = s.Delete(ctx, "u1")
		require.NoError(t, err)
		require.False(t, removed)
	})

	t.Run("Classifier", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "anon", "", now)
		require.NoError(t, err)
		_, err = s.Create(ctx, "reg", "dave@example.com", now)
		require.NoError(t, err)

		c := userstore.NewClassifier(s)
		class, err := c.Classify(ctx, "anon")
		require.NoError(t, err)
		require.Equal(t, ledger.ClassAnonymous, class)
		class, err = c.Classify(ctx, "reg")
		require.NoError(t, err)
		require.Equal(t, ledger.ClassRegistered, class)
		_, err = c.Classify(ctx, "ghost")
		require.ErrorIs(t, err, ledger.ErrUnknownIdentity)
	})
}
