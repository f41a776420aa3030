// Package memory provides an in-process ledger.Store used by tests and
// single-node development setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

type row struct {
	mu      sync.Mutex
	bal     ledger.Balance
	deleted bool
}

// Store keeps balances in a map guarded by a table lock; each row carries its
// own mutex so operations on distinct users never wait on each other.
type Store struct {
	mu     sync.RWMutex
	rows   map[string]*row
	audit  map[string][]ledger.AuditEntry
	nextID int64
	closed bool
	known  func(userID string) bool
}

// Option configures a Store.
type Option func(*Store)

// WithIdentityCheck makes Create fail with ledger.ErrUnknownIdentity for ids
// that known rejects, mirroring the foreign key of the SQL stores.
func WithIdentityCheck(known func(userID string) bool) Option {
	return func(s *Store) { s.known = known }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		rows:  make(map[string]*row),
		audit: make(map[string][]ledger.AuditEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lookup(userID string) *row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[userID]
}

// lock returns the locked row, or nil when the row does not exist.
func (s *Store) lock(userID string) *row {
	r := s.lookup(userID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return nil
	}
	return r
}

func (s *Store) appendAudit(userID string, kind ledger.Kind, amount int64, desc string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID]; !ok {
		return
	}
	s.nextID++
	s.audit[userID] = append(s.audit[userID], ledger.AuditEntry{
		ID:          s.nextID,
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Description: desc,
		CreatedAt:   at.UTC(),
	})
}

func (s *Store) Create(ctx context.Context, userID string, allowance int64, epoch time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ledger.Transient("create", err)
	}
	if userID == "" || allowance < 0 {
		return false, ledger.ErrInvalidInput
	}
	if s.known != nil && !s.known(userID) {
		return false, ledger.ErrUnknownIdentity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[userID]; ok {
		return false, nil
	}
	s.rows[userID] = &row{bal: ledger.Balance{
		UserID:      userID,
		Total:       allowance,
		Remaining:   allowance,
		LastResetAt: epoch.UTC(),
	}}
	return true, nil
}

func (s *Store) Get(ctx context.Context, userID string) (ledger.Balance, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Balance{}, ledger.Transient("get", err)
	}
	r := s.lock(userID)
	if r == nil {
		return ledger.Balance{}, ledger.ErrNotFound
	}
	defer r.mu.Unlock()
	return r.bal, nil
}

func (s *Store) Consume(ctx context.Context, req ledger.ConsumeRequest) (ledger.Result, error) {
	if err := req.Validate(); err != nil {
		return ledger.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, ledger.Transient("consume", err)
	}
	r := s.lock(req.UserID)
	if r == nil {
		return ledger.Result{Outcome: ledger.OutcomeNotFound}, nil
	}
	defer r.mu.Unlock()
	if r.bal.Remaining < req.Amount {
		return ledger.Result{Outcome: ledger.OutcomeInsufficient, Remaining: r.bal.Remaining}, nil
	}
	r.bal.Used += req.Amount
	r.bal.Remaining -= req.Amount
	s.appendAudit(req.UserID, ledger.KindSpent, req.Amount, req.Description, req.At)
	return ledger.Result{Outcome: ledger.OutcomeOK, Remaining: r.bal.Remaining}, nil
}

func (s *Store) Grant(ctx context.Context, req ledger.GrantRequest) (ledger.Balance, int64, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Balance{}, 0, ledger.Transient("grant", err)
	}
	if req.Floor < 0 {
		return ledger.Balance{}, 0, ledger.ErrInvalidAmount
	}
	r := s.lock(req.UserID)
	if r == nil {
		return ledger.Balance{}, 0, ledger.ErrNotFound
	}
	defer r.mu.Unlock()
	if r.bal.BonusGranted {
		return ledger.Balance{}, 0, ledger.ErrBonusGranted
	}
	r.bal.BonusGranted = true
	delta := req.Floor - r.bal.Remaining
	if delta <= 0 {
		return r.bal, 0, nil
	}
	r.bal.Remaining = req.Floor
	r.bal.Total = r.bal.Used + r.bal.Remaining
	s.appendAudit(req.UserID, ledger.KindBonus, delta, req.Description, req.At)
	return r.bal, delta, nil
}

func (s *Store) ResetCandidates(ctx context.Context, dayStart time.Time, after string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Transient("reset candidates", err)
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.rows))
	for id := range s.rows {
		if id > after {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]string, 0, limit)
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		r := s.lock(id)
		if r == nil {
			continue
		}
		if r.bal.LastResetAt.Before(dayStart) {
			out = append(out, id)
		}
		r.mu.Unlock()
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context, req ledger.ResetRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ledger.Transient("reset", err)
	}
	r := s.lock(req.UserID)
	if r == nil {
		return false, nil
	}
	defer r.mu.Unlock()
	if !r.bal.LastResetAt.Before(req.DayStart) {
		return false, nil
	}
	allowance, err := req.Allowance(ctx, req.UserID)
	if err != nil {
		return false, err
	}
	r.bal.Total = allowance
	r.bal.Used = 0
	r.bal.Remaining = allowance
	r.bal.LastResetAt = req.DayStart.UTC()
	s.appendAudit(req.UserID, ledger.KindReset, allowance, "daily reset", req.At)
	return true, nil
}

func (s *Store) History(ctx context.Context, userID string, limit int) ([]ledger.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Transient("history", err)
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[userID]
	out := make([]ledger.AuditEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// Forget removes the row and its audit trail. It is the cascade target for
// identity deletion in the in-memory identity store.
func (s *Store) Forget(userID string) {
	r := s.lookup(userID)
	if r != nil {
		r.mu.Lock()
		r.deleted = true
		defer r.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, userID)
	delete(s.audit, userID)
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ledger.ErrTransient
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
