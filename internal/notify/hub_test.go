package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdpmock/pkg/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubscribeReceives(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx)

	e := model.DebugError{Type: model.DebugErrorConnect, Target: "t1", Message: "boom", Timestamp: 1}
	h.Notify(e)

	select {
	case got := <-ch:
		assert.Equal(t, e, got)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRecentBounded(t *testing.T) {
	h := NewHub(nil)
	for i := 0; i < recentLimit+5; i++ {
		h.Notify(model.DebugError{Type: model.DebugErrorDetach, Message: fmt.Sprint(i)})
	}
	recent := h.Recent()
	require.Len(t, recent, recentLimit)
	assert.Equal(t, "5", recent[0].Message)
	assert.Equal(t, fmt.Sprint(recentLimit+4), recent[len(recent)-1].Message)
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx)

	for i := 0; i < subBuffer+3; i++ {
		h.Notify(model.DebugError{Message: fmt.Sprint(i)})
	}
	var last model.DebugError
	for i := 0; i < subBuffer; i++ {
		last = <-ch
	}
	assert.Equal(t, fmt.Sprint(subBuffer+2), last.Message)
}
