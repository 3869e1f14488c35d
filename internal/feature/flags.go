// Package feature wraps OpenFeature flag evaluation for the pipeline's
// operational switches.
package feature

import (
	"context"

	"github.com/open-feature/go-sdk/openfeature"
	"go.uber.org/zap"
)

// FlagFallbackOnly forces every review-queue operation straight to the
// fallback backend, for environments without the streaming backend.
const FlagFallbackOnly = "review-queue-fallback-only"

// Flags evaluates feature flags through OpenFeature. Without a registered
// provider, evaluation yields the configured defaults, so the switches remain
// config-driven in minimal deployments.
type Flags struct {
	client              *openfeature.Client
	defaultFallbackOnly bool
	log                 *zap.Logger
}

// NewFlags creates the flag evaluator. defaultFallbackOnly is returned when no
// flag provider overrides it.
func NewFlags(defaultFallbackOnly bool, log *zap.Logger) *Flags {
	return &Flags{
		client:              openfeature.NewClient("recallguard"),
		defaultFallbackOnly: defaultFallbackOnly,
		log:                 log.With(zap.String("module", "feature")),
	}
}

// FallbackOnly reports whether the streaming backend must be bypassed.
func (f *Flags) FallbackOnly(ctx context.Context) bool {
	val, err := f.client.BooleanValue(ctx, FlagFallbackOnly, f.defaultFallbackOnly,
		openfeature.NewEvaluationContext("", map[string]interface{}{}))
	if err != nil {
		f.log.Debug("flag evaluation failed, using default",
			zap.String("flag", FlagFallbackOnly),
			zap.Error(err),
		)
		return f.defaultFallbackOnly
	}
	return val
}
