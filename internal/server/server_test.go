package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	prod, err := NewLogger(false)
	require.NoError(t, err)
	assert.NotNil(t, prod)

	dev, err := NewLogger(true)
	require.NoError(t, err)
	assert.NotNil(t, dev)
}

func TestServeBinaryStopsOnContextCancel(t *testing.T) {
	srv := New(&Context{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ServeBinary(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not stop after context cancellation")
	}
}

func TestServeRejectsUnbindableAddress(t *testing.T) {
	srv := New(&Context{})
	err := srv.ServeBinary(context.Background(), "256.256.256.256:1")
	assert.Error(t, err)
}
