package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesContext(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "desk-worker", func(ctx context.Context) {
		names <- GetName(ctx)
	})
	assert.Equal(t, "desk-worker", <-names)

	assert.Empty(t, GetName(context.Background()))
	assert.Empty(t, GetName(nil)) //nolint:staticcheck
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var done atomic.Int32

	for i := 0; i < 5; i++ {
		g.Go(context.Background(), "worker", func(ctx context.Context) {
			done.Add(1)
		})
	}
	g.Wait()
	assert.Equal(t, int32(5), done.Load())
}

func TestGroup_ContextCancellation(t *testing.T) {
	var g Group
	ctx, cancel := context.WithCancel(context.Background())

	g.Go(ctx, "blocked", func(ctx context.Context) {
		<-ctx.Done()
	})
	cancel()
	g.Wait()
}
