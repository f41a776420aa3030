package client

import "time"

// ConsumeRequest asks the service to charge the price of Action.
type ConsumeRequest struct {
	Action string `json:"action"`
}

// ConsumeResponse is returned for both a successful spend (200) and an
// insufficient balance (402). Remaining is authoritative in either case.
type ConsumeResponse struct {
	OK        bool       `json:"ok"`
	Outcome   string     `json:"outcome"`
	Remaining int64      `json:"remaining_credits"`
	Action    string     `json:"action"`
	Cost      int64      `json:"cost"`
	NextStep  string     `json:"next_step,omitempty"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// BalanceResponse is the read model of one ledger row. Total, Used and
// LastResetAt are only filled for fresh reads.
type BalanceResponse struct {
	UserID      string     `json:"user_id"`
	Remaining   int64      `json:"remaining_credits"`
	Total       int64      `json:"total_credits,omitempty"`
	Used        int64      `json:"used_credits,omitempty"`
	LastResetAt *time.Time `json:"last_reset_at,omitempty"`
	ResetsAt    time.Time  `json:"resets_at"`
}

// HistoryEntry mirrors one audit row.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryResponse lists audit rows newest first.
type HistoryResponse struct {
	UserID  string         `json:"user_id"`
	Entries []HistoryEntry `json:"entries"`
}

// SessionResponse is returned by sign-in, upgrade and session lookups.
// DiscardCache tells the client its cached balances belong to a previous
// authentication state.
type SessionResponse struct {
	UserID       string    `json:"user_id"`
	Token        string    `json:"token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Anonymous    bool      `json:"anonymous"`
	Remaining    int64     `json:"remaining_credits"`
	DiscardCache bool      `json:"discard_cache,omitempty"`
}

// ChallengeRequest starts an upgrade for Email.
type ChallengeRequest struct {
	Email string `json:"email"`
}

// ChallengeResponse identifies a pending upgrade. Code is only echoed by
// development deployments without a mail relay.
type ChallengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Code        string    `json:"code,omitempty"`
}

// VerifyRequest completes an upgrade.
type VerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

// IdentityEvent is the identity provider webhook payload.
type IdentityEvent struct {
	UserID    string `json:"user_id"`
	Anonymous bool   `json:"anonymous"`
	Email     string `json:"email,omitempty"`
}

// InvalidateEvent is the data of an "invalidate" server-sent event. An empty
// UserID invalidates every cached balance.
type InvalidateEvent struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}
