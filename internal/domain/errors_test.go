package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"bare sentinel", ErrNotFound, CodeNotFound},
		{"wrapped sentinel", fmt.Errorf("assign: %w", ErrNoEligibleAgent), CodeNoEligibleAgent},
		{"domain error", NewDomainError("Dispatcher.Assign", ErrInvalidState, "task done"), CodeInvalidState},
		{"subsystem task not found", NewSubSystemError("task", "Dispatcher.Assign", ErrNotFound, "t-1"), CodeTaskNotFound},
		{"subsystem channel not found", NewSubSystemError("channel", "Router.Send", ErrNotFound, "ch-1"), CodeChannelNotFound},
		{"subsystem restart exhausted", NewSubSystemError("restart", "Supervisor.EnsureRunning", ErrLimitReached, "agent-1"), CodeRestartsExhausted},
		{"unknown subsystem falls back", NewSubSystemError("bogus", "Op", ErrNotFound, ""), CodeNotFound},
		{"unknown error", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestDomainErrorMessage(t *testing.T) {
	err := NewSubSystemError("task", "Dispatcher.Assign", ErrNotFound, "t-42")
	assert.Equal(t, "Dispatcher.Assign: t-42: not found", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))

	bare := NewDomainError("Router.Send", ErrLimitReached, "")
	assert.Equal(t, "Router.Send: limit reached", bare.Error())
}

func TestHTTPStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewSubSystemError("channel", "Router.Send", ErrNotFound, "c"), http.StatusNotFound},
		{ErrInvalidState, http.StatusBadRequest},
		{ErrNoEligibleAgent, http.StatusBadRequest},
		{ErrLimitReached, http.StatusTooManyRequests},
		{NewSubSystemError("send", "Router.Send", ErrLimitReached, "a"), http.StatusTooManyRequests},
		{NewSubSystemError("restart", "Supervisor.EnsureRunning", ErrLimitReached, "a"), http.StatusInternalServerError},
		{fmt.Errorf("ensure: %w", ErrSpawnFailure), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatusOf(tt.err), "err=%v", tt.err)
	}
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("stop", ErrNotFound)
	assert.EqualError(t, err, "stop: not found")
	assert.True(t, errors.Is(err, ErrNotFound))
}
