// Package credits wires the ledger store to the identity provider. It hosts
// the consumption engine called before a paid action, the lifecycle handlers
// driven by identity events, and the cached balance read path.
package credits

import (
	"errors"
	"fmt"

	"github.com/coder/quartz"

	"github.com/tokligence/tokligence-credits/internal/balancecache"
	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/logging"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/userstore"
)

var (
	// ErrNotRegistered is returned by OnUpgrade when the identity provider
	// still reports the identity as anonymous.
	ErrNotRegistered = errors.New("credits: identity is not registered")
	// ErrMissingAfterCreate means a ledger row could not be found right after
	// it was provisioned, which points at a misconfigured store.
	ErrMissingAfterCreate = errors.New("credits: balance missing after lazy create")
)

// Deps are the collaborators shared by Engine, Lifecycle and Reader.
type Deps struct {
	Ledger     ledger.Store
	Identities userstore.Store
	// Classifier defaults to one backed by Identities.
	Classifier ledger.Classifier
	Policy     ledger.Policy
	Prices     PriceTable
	// Cache is optional; without it every balance read hits the store.
	Cache   *balancecache.Cache
	Hooks   *hooks.Dispatcher
	Metrics *metrics.Collector
	Clock   quartz.Clock
	Logger  *logging.Leveled
}

func (d *Deps) normalize() error {
	if d.Ledger == nil {
		return fmt.Errorf("credits: ledger store required")
	}
	if d.Classifier == nil {
		if d.Identities == nil {
			return fmt.Errorf("credits: identity store or classifier required")
		}
		d.Classifier = userstore.NewClassifier(d.Identities)
	}
	if err := d.Policy.Validate(); err != nil {
		return err
	}
	if d.Clock == nil {
		d.Clock = quartz.NewReal()
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return nil
}

// Service bundles the three facades over one set of dependencies.
type Service struct {
	Engine    *Engine
	Lifecycle *Lifecycle
	Reader    *Reader
}

// New validates deps and builds the facades.
func New(deps Deps) (*Service, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	if len(deps.Prices) == 0 {
		return nil, fmt.Errorf("credits: price table required")
	}
	lc := &Lifecycle{deps: deps}
	return &Service{
		Engine:    &Engine{deps: deps, lifecycle: lc},
		Lifecycle: lc,
		Reader:    &Reader{deps: deps, lifecycle: lc},
	}, nil
}
