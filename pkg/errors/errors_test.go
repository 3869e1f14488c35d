package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	base := New("connection refused")
	wrapped := Wrap(base, "enqueue")
	require.Error(t, wrapped)
	assert.Equal(t, "enqueue: connection refused", wrapped.Error())
	assert.True(t, Is(wrapped, base))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "anything"))
}

func TestTagPreservesBothChains(t *testing.T) {
	cause := New("dial tcp: timeout")
	err := Tag(ErrStorage, cause)
	assert.True(t, Is(err, ErrStorage))
	assert.True(t, Is(err, cause))
}

func TestTagNilCause(t *testing.T) {
	assert.True(t, Is(Tag(ErrNotFound, nil), ErrNotFound))
}

func TestValidationError(t *testing.T) {
	err := NewValidation("confidence", "outside [0, 1]")
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "confidence")

	assert.False(t, IsValidation(ErrStorage))
	assert.True(t, IsValidation(Wrap(err, "enqueue")))
}
