package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attlas-services/attlas-server/internal/logging"
)

func TestHandlersRunInReverseOrder(t *testing.T) {
	s := New(logging.Nop())
	var order []string
	s.RegisterShutdownHandler(func() { order = append(order, "first") })
	s.RegisterShutdownHandler(func() { order = append(order, "second") })
	s.RegisterShutdownHandler(func() { order = append(order, "third") })

	s.RequestShutdown()
	s.Wait()

	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestPanickingHandlerDoesNotSkipOthers(t *testing.T) {
	s := New(logging.Nop())
	var ran []string
	s.RegisterShutdownHandler(func() { ran = append(ran, "last") })
	s.RegisterShutdownHandler(func() { panic("boom") })
	s.RegisterShutdownHandler(func() { ran = append(ran, "first") })

	s.RequestShutdown()
	s.Wait()

	assert.Equal(t, []string{"first", "last"}, ran)
}

func TestRequestShutdownUnblocksWait(t *testing.T) {
	s := New(logging.Nop())
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	s.RequestShutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after RequestShutdown")
	}
}

func TestRequestShutdownIdempotent(t *testing.T) {
	s := New(logging.Nop())
	s.RequestShutdown()
	s.RequestShutdown()
	s.Wait()
}

func TestBackgroundTaskRunsAndStops(t *testing.T) {
	s := New(logging.Nop())
	var ticks atomic.Int32
	s.StartTask("tick", 10*time.Millisecond, func() { ticks.Add(1) })

	require.Eventually(t, func() bool { return ticks.Load() >= 2 },
		time.Second, 5*time.Millisecond)

	s.RequestShutdown()
	s.Wait()

	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestContextCancelledOnShutdown(t *testing.T) {
	s := New(logging.Nop())
	s.RequestShutdown()
	s.Wait()

	select {
	case <-s.Context().Done():
	default:
		t.Fatal("supervisor context not cancelled after Wait")
	}
}
