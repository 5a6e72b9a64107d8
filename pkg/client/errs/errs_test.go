package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		conflict   bool
		notFound   bool
		timeout    bool
		network    bool
		channel    bool
	}{
		{
			name:       "validation",
			err:        &ValidationError{Field: "state_name", Reason: "too long"},
			validation: true,
		},
		{
			name:     "conflict by status",
			err:      &RequestError{Status: http.StatusConflict, Message: "already undone"},
			conflict: true,
		},
		{
			name:     "wrapped not found",
			err:      fmt.Errorf("get game: %w", &RequestError{Status: http.StatusNotFound, Code: "not_found"}),
			notFound: true,
		},
		{
			name:    "timeout",
			err:     &NetworkError{Op: "vote", Timeout: true, Err: context.DeadlineExceeded},
			timeout: true,
			network: true,
		},
		{
			name:    "transport",
			err:     &NetworkError{Op: "vote", Err: errors.New("connection refused")},
			network: true,
		},
		{
			name:    "channel",
			err:     &ChannelError{Op: "send", Err: errors.New("not connected")},
			channel: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.validation, IsValidation(tt.err))
			assert.Equal(t, tt.conflict, IsConflict(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.timeout, IsTimeout(tt.err))
			assert.Equal(t, tt.network, IsNetwork(tt.err))
			assert.Equal(t, tt.channel, IsChannel(tt.err))
		})
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &NetworkError{Op: "start", Timeout: true, Err: context.DeadlineExceeded}
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTracker(t *testing.T) {
	tracker := NewTracker()

	tracker.Record("vote", nil)
	err, _, _ := tracker.LastError()
	assert.NoError(t, err)

	first := &RequestError{Status: http.StatusBadRequest, Message: "not day"}
	second := &ValidationError{Field: "join_code", Reason: "required"}
	tracker.Record("vote", first)
	tracker.Record("join", second)

	err, op, at := tracker.LastError()
	assert.Equal(t, second, err)
	assert.Equal(t, "join", op)
	assert.False(t, at.IsZero())

	tracker.Dismiss()
	err, op, _ = tracker.LastError()
	assert.NoError(t, err)
	assert.Empty(t, op)
}
