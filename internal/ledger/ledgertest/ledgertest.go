// Package ledgertest holds the behaviour every ledger.Store backend must
// share. Backend packages call Run from their own tests.
package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// Harness binds a ledger store to the identity table it references.
type Harness struct {
	Ledger ledger.Store
	// AddIdentity makes id a known identity so a balance row may reference it.
	AddIdentity func(t *testing.T, id string)
	// RemoveIdentity deletes the identity; its balance row and audit trail must
	// disappear with it.
	RemoveIdentity func(t *testing.T, id string)
}

// Factory returns a fresh, empty harness for each subtest.
type Factory func(t *testing.T) Harness

var (
	yesterday = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	today     = time.Date(2024, 3, 2, 0, 0, 5, 0, time.UTC)
)

func fixedAllowance(n int64) ledger.AllowanceFunc {
	return func(context.Context, string) (int64, error) { return n, nil }
}

func seed(t *testing.T, h Harness, id string, allowance int64, epoch time.Time) {
	t.Helper()
	h.AddIdentity(t, id)
	created, err := h.Ledger.Create(context.Background(), id, allowance, epoch)
	require.NoError(t, err)
	require.True(t, created)
}

func requireConsistent(t *testing.T, s ledger.Store, id string) ledger.Balance {
	t.Helper()
	b, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.Truef(t, b.Consistent(), "inconsistent row %+v", b)
	return b
}

// Run exercises the full store contract.
func Run(t *testing.T, newHarness Factory) {
	t.Run("CreateIsIdempotent", func(t *testing.T) { testCreateIdempotent(t, newHarness(t)) })
	t.Run("CreateRequiresIdentity", func(t *testing.T) { testCreateUnknownIdentity(t, newHarness(t)) })
	t.Run("ConsumeDeducts", func(t *testing.T) { testConsumeDeducts(t, newHarness(t)) })
	t.Run("ConsumeInsufficient", func(t *testing.T) { testConsumeInsufficient(t, newHarness(t)) })
	t.Run("ConsumeMissingRow", func(t *testing.T) { testConsumeNotFound(t, newHarness(t)) })
	t.Run("ConsumeRejectsBadAmount", func(t *testing.T) { testConsumeBadAmount(t, newHarness(t)) })
	t.Run("ConcurrentConsumeSingleWinner", func(t *testing.T) { testConcurrentSingleWinner(t, newHarness(t)) })
	t.Run("ConcurrentConsumeNeverOverspends", func(t *testing.T) { testConcurrentNeverOverspends(t, newHarness(t)) })
	t.Run("GrantRaisesToFloor", func(t *testing.T) { testGrantRaisesToFloor(t, newHarness(t)) })
	t.Run("GrantKeepsLargerBalance", func(t *testing.T) { testGrantKeepsLargerBalance(t, newHarness(t)) })
	t.Run("GrantIsOneTime", func(t *testing.T) { testGrantOneTime(t, newHarness(t)) })
	t.Run("ResetIsIdempotent", func(t *testing.T) { testResetIdempotent(t, newHarness(t)) })
	t.Run("ResetCandidatesPaginate", func(t *testing.T) { testResetCandidatesPaginate(t, newHarness(t)) })
	t.Run("ResetMissingRow", func(t *testing.T) { testResetMissingRow(t, newHarness(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newHarness(t)) })
	t.Run("HistoryNewestFirst", func(t *testing.T) { testHistoryOrder(t, newHarness(t)) })
}

func testCreateIdempotent(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "anon-1", 10, yesterday)

	created, err := h.Ledger.Create(ctx, "anon-1", 99, today)
	require.NoError(t, err)
	require.False(t, created)

	b := requireConsistent(t, h.Ledger, "anon-1")
	require.EqualValues(t, 10, b.Total)
	require.EqualValues(t, 10, b.Remaining)
	require.True(t, b.LastResetAt.Equal(yesterday))
}

func testCreateUnknownIdentity(t *testing.T, h Harness) {
	_, err := h.Ledger.Create(context.Background(), "ghost", 10, today)
	require.ErrorIs(t, err, ledger.ErrUnknownIdentity)

	_, err = h.Ledger.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func testConsumeDeducts(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "u1", 10, today)

	res, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "u1", Amount: 2, Description: "image_generation", At: today})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeOK, res.Outcome)
	require.EqualValues(t, 8, res.Remaining)

	b := requireConsistent(t, h.Ledger, "u1")
	require.EqualValues(t, 2, b.Used)
	require.EqualValues(t, 8, b.Remaining)

	hist, err := h.Ledger.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Equal(t, ledger.KindSpent, hist[0].Kind)
	require.EqualValues(t, 2, hist[0].Amount)
	require.Equal(t, "image_generation", hist[0].Description)
}

func testConsumeInsufficient(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "u1", 3, today)

	res, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "u1", Amount: 4, At: today})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeInsufficient, res.Outcome)
	require.EqualValues(t, 3, res.Remaining)

	b := requireConsistent(t, h.Ledger, "u1")
	require.EqualValues(t, 0, b.Used)

	hist, err := h.Ledger.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Empty(t, hist)
}

func testConsumeNotFound(t *testing.T, h Harness) {
	res, err := h.Ledger.Consume(context.Background(), ledger.ConsumeRequest{UserID: "nobody", Amount: 1, At: today})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeNotFound, res.Outcome)
}

func testConsumeBadAmount(t *testing.T, h Harness) {
	seed(t, h, "u1", 10, today)
	_, err := h.Ledger.Consume(context.Background(), ledger.ConsumeRequest{UserID: "u1", Amount: 0, At: today})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = h.Ledger.Consume(context.Background(), ledger.ConsumeRequest{UserID: "u1", Amount: -1, At: today})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	b := requireConsistent(t, h.Ledger, "u1")
	require.EqualValues(t, 10, b.Remaining)
}

func testConcurrentSingleWinner(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "race", 10, today)

	results := make([]ledger.Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "race", Amount: 7, At: today})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, short int
	for i, res := range results {
		require.NoError(t, errs[i])
		switch res.Outcome {
		case ledger.OutcomeOK:
			ok++
			require.EqualValues(t, 3, res.Remaining)
		case ledger.OutcomeInsufficient:
			short++
			require.EqualValues(t, 3, res.Remaining)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, short)

	b := requireConsistent(t, h.Ledger, "race")
	require.EqualValues(t, 3, b.Remaining)
}

func testConcurrentNeverOverspends(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "many", 10, today)

	const workers = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "many", Amount: 1, At: today})
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			if res.OK() {
				mu.Lock()
				oks++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, oks)
	b := requireConsistent(t, h.Ledger, "many")
	require.EqualValues(t, 0, b.Remaining)
	require.EqualValues(t, 10, b.Used)
}

func testGrantRaisesToFloor(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "upg", 10, today)
	res, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "upg", Amount: 7, At: today})
	require.NoError(t, err)
	require.True(t, res.OK())

	b, delta, err := h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "upg", Floor: 50, Description: "account upgrade", At: today})
	require.NoError(t, err)
	require.EqualValues(t, 47, delta)
	require.EqualValues(t, 50, b.Remaining)
	require.EqualValues(t, 57, b.Total)
	require.EqualValues(t, 7, b.Used)

	stored := requireConsistent(t, h.Ledger, "upg")
	require.EqualValues(t, 50, stored.Remaining)

	hist, err := h.Ledger.History(ctx, "upg", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, ledger.KindBonus, hist[0].Kind)
	require.EqualValues(t, 47, hist[0].Amount)
}

func testGrantKeepsLargerBalance(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "rich", 80, today)

	b, delta, err := h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "rich", Floor: 50, At: today})
	require.NoError(t, err)
	require.Zero(t, delta)
	require.EqualValues(t, 80, b.Remaining)

	hist, err := h.Ledger.History(ctx, "rich", 10)
	require.NoError(t, err)
	require.Empty(t, hist)

	_, _, err = h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "missing", Floor: 50, At: today})
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func testGrantOneTime(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "once", 10, today)

	b, delta, err := h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "once", Floor: 50, At: today})
	require.NoError(t, err)
	require.EqualValues(t, 40, delta)
	require.True(t, b.BonusGranted)

	for i := 0; i < 20; i++ {
		res, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "once", Amount: 2, At: today})
		require.NoError(t, err)
		require.True(t, res.OK())
	}

	_, _, err = h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "once", Floor: 50, At: today})
	require.ErrorIs(t, err, ledger.ErrBonusGranted)
	stored := requireConsistent(t, h.Ledger, "once")
	require.EqualValues(t, 10, stored.Remaining)
	require.EqualValues(t, 40, stored.Used)
	require.EqualValues(t, 50, stored.Total)

	// A reset restores the allowance but keeps the bonus spent.
	dayStart := ledger.StartOfDay(today).AddDate(0, 0, 1)
	done, err := h.Ledger.Reset(ctx, ledger.ResetRequest{UserID: "once", DayStart: dayStart, At: dayStart, Allowance: fixedAllowance(50)})
	require.NoError(t, err)
	require.True(t, done)
	_, _, err = h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "once", Floor: 50, At: dayStart})
	require.ErrorIs(t, err, ledger.ErrBonusGranted)

	// A zero floor only marks the row.
	seed(t, h, "marked", 50, today)
	b, delta, err = h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "marked", At: today})
	require.NoError(t, err)
	require.Zero(t, delta)
	require.EqualValues(t, 50, b.Remaining)
	_, _, err = h.Ledger.Grant(ctx, ledger.GrantRequest{UserID: "marked", Floor: 50, At: today})
	require.ErrorIs(t, err, ledger.ErrBonusGranted)
}

func testResetIdempotent(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "daily", 10, yesterday)
	res, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "daily", Amount: 6, At: yesterday})
	require.NoError(t, err)
	require.True(t, res.OK())

	dayStart := ledger.StartOfDay(today)
	ids, err := h.Ledger.ResetCandidates(ctx, dayStart, "", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"daily"}, ids)

	req := ledger.ResetRequest{UserID: "daily", DayStart: dayStart, At: today, Allowance: fixedAllowance(10)}
	done, err := h.Ledger.Reset(ctx, req)
	require.NoError(t, err)
	require.True(t, done)

	b := requireConsistent(t, h.Ledger, "daily")
	require.EqualValues(t, 10, b.Total)
	require.EqualValues(t, 0, b.Used)
	require.EqualValues(t, 10, b.Remaining)
	require.True(t, b.LastResetAt.Equal(dayStart))

	done, err = h.Ledger.Reset(ctx, req)
	require.NoError(t, err)
	require.False(t, done)

	ids, err = h.Ledger.ResetCandidates(ctx, dayStart, "", 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	hist, err := h.Ledger.History(ctx, "daily", 10)
	require.NoError(t, err)
	var resets int
	for _, e := range hist {
		if e.Kind == ledger.KindReset {
			resets++
		}
	}
	require.Equal(t, 1, resets)
}

func testResetCandidatesPaginate(t *testing.T, h Harness) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		seed(t, h, id, 10, yesterday)
	}
	seed(t, h, "fresh", 10, today)

	dayStart := ledger.StartOfDay(today)
	page, err := h.Ledger.ResetCandidates(ctx, dayStart, "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, page)

	page, err = h.Ledger.ResetCandidates(ctx, dayStart, "b", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, page)
}

func testResetMissingRow(t *testing.T, h Harness) {
	done, err := h.Ledger.Reset(context.Background(), ledger.ResetRequest{
		UserID: "gone", DayStart: ledger.StartOfDay(today), At: today, Allowance: fixedAllowance(10),
	})
	require.NoError(t, err)
	require.False(t, done)
}

func testDeleteCascades(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "doomed", 10, today)
	_, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "doomed", Amount: 1, At: today})
	require.NoError(t, err)

	h.RemoveIdentity(t, "doomed")

	_, err = h.Ledger.Get(ctx, "doomed")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	hist, err := h.Ledger.History(ctx, "doomed", 10)
	require.NoError(t, err)
	require.Empty(t, hist)
}

func testHistoryOrder(t *testing.T, h Harness) {
	ctx := context.Background()
	seed(t, h, "hist", 10, today)
	for i := int64(1); i <= 3; i++ {
		_, err := h.Ledger.Consume(ctx, ledger.ConsumeRequest{UserID: "hist", Amount: i, At: today.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	hist, err := h.Ledger.History(ctx, "hist", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.EqualValues(t, 3, hist[0].Amount)
	require.EqualValues(t, 2, hist[1].Amount)
}
