package hal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle(t *testing.T) {
	tk := newTask("test")
	assert.False(t, tk.Running())
	assert.NoError(t, tk.Wait(context.Background()))

	assert.True(t, tk.begin())
	assert.False(t, tk.begin())
	assert.True(t, tk.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tk.Wait(ctx), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- tk.Wait(context.Background()) }()
	tk.finish()
	tk.finish()
	assert.NoError(t, <-waited)
	assert.False(t, tk.Running())

	assert.True(t, tk.begin())
	tk.finish()
}

func TestTaskStaleFinishLeavesNextRun(t *testing.T) {
	tk := newTask("test")
	first, ok := tk.start()
	require.True(t, ok)
	tk.finishRun(first)

	second, ok := tk.start()
	require.True(t, ok)
	tk.finishRun(first)
	assert.True(t, tk.Running())
	select {
	case <-second:
		t.Fatal("second run finished by the first")
	default:
	}

	tk.finishRun(second)
	assert.False(t, tk.Running())
	assert.NoError(t, tk.Wait(context.Background()))
}
