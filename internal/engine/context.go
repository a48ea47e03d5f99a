package engine

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// evalContext carries one evaluation's state through the rule loop.
type evalContext struct {
	ctx     context.Context
	tx      *domain.Transaction
	ruleset *domain.Ruleset
	dec     *domain.Decision
	replay  bool
	start   time.Time

	// debug is nil unless debug capture is enabled and this transaction
	// sampled in; the nil case must cost nothing.
	debug *debugBuilder

	velocityMs     float64
	velocityChecks int
}
