package userstore

import (
	"context"

	"github.com/tokligence/tokligence-credits/internal/ledger"
)

// Classifier derives the allowance class from the identity record. It is the
// single place that decides whether an identity is registered.
type Classifier struct {
	store Store
}

// NewClassifier wraps store as a ledger.Classifier.
func NewClassifier(store Store) *Classifier {
	return &Classifier{store: store}
}

// Classify returns ClassRegistered iff the identity has an email attached.
func (c *Classifier) Classify(ctx context.Context, userID string) (ledger.Class, error) {
	ident, err := c.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if ident == nil {
		return "", ledger.ErrUnknownIdentity
	}
	return ClassOf(ident), nil
}

// ClassOf classifies an already loaded identity.
func ClassOf(ident *Identity) ledger.Class {
	if ident.Email != "" && !ident.Anonymous {
		return ledger.ClassRegistered
	}
	return ledger.ClassAnonymous
}
