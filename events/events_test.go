package events_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fgrzl/connect"
	"github.com/fgrzl/connect/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newEvent(kind connect.EventKind, id, connType string) connect.Event {
	conn := connect.NewConnection(id)
	conn.Source, conn.Destination, conn.Type = "A", "B", connType
	return connect.NewEvent(kind, conn)
}

type collector struct {
	mu     sync.Mutex
	events []connect.Event
}

func (c *collector) Publish(event connect.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.events))
	for i, event := range c.events {
		ids[i] = event.Connection.ID
	}
	return ids
}

func TestAsync(t *testing.T) {
	t.Run("should deliver queued events in order before Close returns", func(t *testing.T) {
		sink := &collector{}
		async := events.NewAsync(sink, 8, nil)

		for _, id := range []string{"c1", "c2", "c3"} {
			require.NoError(t, async.Publish(newEvent(connect.EventConnected, id, "follow")))
		}
		require.NoError(t, async.Close())

		assert.Equal(t, []string{"c1", "c2", "c3"}, sink.ids())
	})

	t.Run("should drop events when the buffer is full", func(t *testing.T) {
		started := make(chan struct{})
		gate := make(chan struct{})
		sink := &collector{}
		var once sync.Once
		blocking := connect.PublisherFunc(func(event connect.Event) error {
			once.Do(func() { close(started) })
			<-gate
			return sink.Publish(event)
		})
		async := events.NewAsync(blocking, 1, nil)

		require.NoError(t, async.Publish(newEvent(connect.EventConnected, "c1", "follow")))
		<-started
		require.NoError(t, async.Publish(newEvent(connect.EventConnected, "c2", "follow")))
		assert.ErrorIs(t, async.Publish(newEvent(connect.EventConnected, "c3", "follow")), events.ErrBufferFull)

		close(gate)
		require.NoError(t, async.Close())
		assert.Equal(t, []string{"c1", "c2"}, sink.ids())
	})

	t.Run("should refuse events after Close", func(t *testing.T) {
		async := events.NewAsync(connect.NopPublisher{}, 1, nil)
		require.NoError(t, async.Close())
		require.NoError(t, async.Close())

		assert.ErrorIs(t, async.Publish(newEvent(connect.EventConnected, "c1", "follow")), events.ErrClosed)
	})

	t.Run("should log delivery failures", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		failing := connect.PublisherFunc(func(connect.Event) error { return errors.New("sink down") })
		async := events.NewAsync(failing, 1, zap.New(core))

		require.NoError(t, async.Publish(newEvent(connect.EventDisconnected, "c1", "follow")))
		require.NoError(t, async.Close())

		entries := logs.FilterMessage("failed to deliver connection event").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "c1", entries[0].ContextMap()["id"])
	})
}

func TestMulti(t *testing.T) {
	t.Run("should publish to every sink and combine errors", func(t *testing.T) {
		first, last := &collector{}, &collector{}
		errA, errB := errors.New("a"), errors.New("b")
		multi := events.Multi{
			first,
			connect.PublisherFunc(func(connect.Event) error { return errA }),
			connect.PublisherFunc(func(connect.Event) error { return errB }),
			last,
		}

		err := multi.Publish(newEvent(connect.EventConnected, "c1", "follow"))

		assert.ErrorIs(t, err, errA)
		assert.ErrorIs(t, err, errB)
		assert.Equal(t, []string{"c1"}, first.ids())
		assert.Equal(t, []string{"c1"}, last.ids())
	})

	t.Run("should succeed when empty", func(t *testing.T) {
		assert.NoError(t, events.Multi{}.Publish(newEvent(connect.EventConnected, "c1", "follow")))
	})
}

func TestMetrics(t *testing.T) {
	t.Run("should count events by kind and type", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		metrics, err := events.NewMetrics(reg)
		require.NoError(t, err)

		require.NoError(t, metrics.Publish(newEvent(connect.EventConnected, "c1", "follow")))
		require.NoError(t, metrics.Publish(newEvent(connect.EventConnected, "c2", "follow")))
		require.NoError(t, metrics.Publish(newEvent(connect.EventDisconnected, "c1", "follow")))

		counter, err := metrics.Counter(connect.EventConnected, "follow")
		require.NoError(t, err)
		assert.Equal(t, float64(2), testutil.ToFloat64(counter))
		counter, err = metrics.Counter(connect.EventDisconnected, "follow")
		require.NoError(t, err)
		assert.Equal(t, float64(1), testutil.ToFloat64(counter))
	})

	t.Run("should reuse a counter that is already registered", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		first, err := events.NewMetrics(reg)
		require.NoError(t, err)
		second, err := events.NewMetrics(reg)
		require.NoError(t, err)

		require.NoError(t, first.Publish(newEvent(connect.EventConnected, "c1", "block")))
		require.NoError(t, second.Publish(newEvent(connect.EventConnected, "c2", "block")))

		counter, err := second.Counter(connect.EventConnected, "block")
		require.NoError(t, err)
		assert.Equal(t, float64(2), testutil.ToFloat64(counter))
	})
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	publisher := events.NewLogger(zap.New(core))

	require.NoError(t, publisher.Publish(newEvent(connect.EventConnected, "c1", "follow")))

	entries := logs.FilterMessage("connection event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, string(connect.EventConnected), fields["kind"])
	assert.Equal(t, "c1", fields["id"])
	assert.Equal(t, "A", fields["source"])
	assert.Equal(t, "B", fields["destination"])
	assert.Equal(t, "follow", fields["type"])
	assert.Equal(t, "disconnected", fields["status"])
}

// CONNECT_TEST_REDIS_ADDR points the pub/sub test at a live server.
func TestRedis(t *testing.T) {
	addr := os.Getenv("CONNECT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONNECT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	channel := "connect-test-" + time.Now().Format("150405.000000000")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan connect.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- events.Subscribe(ctx, client, channel, func(event connect.Event) {
			select {
			case received <- event:
			default:
			}
			cancel()
		})
	}()

	publisher := events.NewRedis(client, channel)
	want := newEvent(connect.EventConnected, "c1", "follow")
	require.Eventually(t, func() bool {
		assert.NoError(t, publisher.Publish(want))
		return len(received) > 0
	}, 4*time.Second, 50*time.Millisecond)

	got := <-received
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Connection.ID, got.Connection.ID)
	assert.ErrorIs(t, <-done, context.Canceled)
}
