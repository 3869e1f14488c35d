package feature

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestFallbackOnlyDefault(t *testing.T) {
	// Without a registered provider, evaluation returns the configured default.
	assert.False(t, NewFlags(false, zap.NewNop()).FallbackOnly(context.Background()))
	assert.True(t, NewFlags(true, zap.NewNop()).FallbackOnly(context.Background()))
}
