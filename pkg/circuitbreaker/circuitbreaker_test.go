package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:                "test",
		FailureThreshold:    2,
		Timeout:             time.Hour,
		HalfOpenMaxRequests: 1,
	}, nil)

	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, "open", cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	errClient := errors.New("400")
	cb := NewCircuitBreaker(Config{
		Name:             "test",
		FailureThreshold: 1,
		Timeout:          time.Hour,
		IgnoreError:      func(err error) bool { return errors.Is(err, errClient) },
	}, nil)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errClient }), errClient)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(Config{
		Name:                "test",
		FailureThreshold:    1,
		Timeout:             10 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	}, nil)

	require.Error(t, cb.Execute(func() error { return errBoom }))
	assert.Equal(t, "open", cb.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, "closed", cb.State())
}
