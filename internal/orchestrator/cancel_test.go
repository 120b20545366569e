package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellationToken_RequestFromOtherGoroutines(t *testing.T) {
	tok := NewCancellationToken()
	assert.False(t, tok.IsRequested())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Request()
		}()
	}
	wg.Wait()

	assert.True(t, tok.IsRequested())
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done not closed after Request")
	}
}

func TestCancellationToken_Reset(t *testing.T) {
	tok := NewCancellationToken()
	tok.Request()
	tok.reset()

	assert.False(t, tok.IsRequested())
	select {
	case <-tok.Done():
		t.Fatal("Done closed after reset")
	default:
	}
}

func TestCancellationToken_WithCancellation(t *testing.T) {
	tok := NewCancellationToken()
	ctx, stop := tok.WithCancellation(context.Background())
	defer stop()

	require.NoError(t, ctx.Err())
	tok.Request()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by token")
	}
}
