package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
)

func TestChallengeLifecycle(t *testing.T) {
	mgr := NewManager("secret", nil)
	ch, err := mgr.CreateChallenge("anon-1", "user@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if ch.ExpiresAt.Before(time.Now()) {
		t.Fatalf("expires in past")
	}
	if _, err := mgr.VerifyChallenge(ch.ID, "anon-2", ch.Code); !errors.Is(err, ErrChallengeMismatch) {
		t.Fatalf("expected mismatch for another identity, got %v", err)
	}
	email, err := mgr.VerifyChallenge(ch.ID, "anon-1", ch.Code)
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if email != "user@example.com" {
		t.Fatalf("unexpected email %s", email)
	}
	if _, err := mgr.VerifyChallenge(ch.ID, "anon-1", ch.Code); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected error after challenge consumed, got %v", err)
	}
}

func TestChallengeExpiresAndLocksOut(t *testing.T) {
	clock := quartz.NewMock(t)
	mgr := NewManager("secret", clock)

	ch, err := mgr.CreateChallenge("anon-1", "user@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	clock.Advance(DefaultChallengeTTL + time.Second)
	if _, err := mgr.VerifyChallenge(ch.ID, "anon-1", ch.Code); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}

	ch, err = mgr.CreateChallenge("anon-1", "user@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	for i := 0; i < maxCodeAttempts; i++ {
		if _, err := mgr.VerifyChallenge(ch.ID, "anon-1", "not-a-code"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected invalid code, got %v", i, err)
		}
	}
	if _, err := mgr.VerifyChallenge(ch.ID, "anon-1", ch.Code); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected lockout after %d bad codes, got %v", maxCodeAttempts, err)
	}
}

func TestNewChallengeReplacesEarlierOne(t *testing.T) {
	mgr := NewManager("secret", nil)
	first, err := mgr.CreateChallenge("anon-1", "user@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	other, err := mgr.CreateChallenge("anon-2", "other@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	second, err := mgr.CreateChallenge("anon-1", "user@example.com")
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	if _, err := mgr.VerifyChallenge(first.ID, "anon-1", first.Code); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected first challenge to be gone, got %v", err)
	}
	if _, err := mgr.VerifyChallenge(second.ID, "anon-1", second.Code); err != nil {
		t.Fatalf("VerifyChallenge second: %v", err)
	}
	if _, err := mgr.VerifyChallenge(other.ID, "anon-2", other.Code); err != nil {
		t.Fatalf("challenge of another identity should survive: %v", err)
	}
}

func TestTokenValidation(t *testing.T) {
	mgr := NewManager("secret", nil)
	token, expires, err := mgr.IssueToken("anon-1", true, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	session, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if session.UserID != "anon-1" || !session.Anonymous {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.ExpiresAt.Equal(expires.Truncate(time.Second)) {
		t.Fatalf("expiry mismatch %s vs %s", session.ExpiresAt, expires)
	}

	other := NewManager("other-secret", nil)
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if _, err := mgr.ValidateToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected format failure, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	clock := quartz.NewMock(t)
	mgr := NewManager("secret", clock)
	token, _, err := mgr.IssueToken("member-1", false, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	clock.Advance(time.Hour + time.Second)
	if _, err := mgr.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiration error, got %v", err)
	}
}
