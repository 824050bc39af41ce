package ops

import (
	"fmt"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func entryAt(level log.Level, msg string) Entry {
	return Entry{Time: time.Unix(0, 0), Level: level.String(), Message: msg}
}

func TestRingRetainsMostRecent(t *testing.T) {
	var ring = NewRing(3)
	for i := 0; i != 5; i++ {
		ring.publish(entryAt(log.InfoLevel, fmt.Sprintf("msg-%d", i)))
	}

	var got = ring.Recent(0, log.DebugLevel)
	require.Len(t, got, 3)
	require.Equal(t, "msg-2", got[0].Message)
	require.Equal(t, "msg-4", got[2].Message)

	// A limit keeps the newest entries.
	got = ring.Recent(2, log.DebugLevel)
	require.Len(t, got, 2)
	require.Equal(t, "msg-3", got[0].Message)
}

func TestRingFiltersBySeverity(t *testing.T) {
	var ring = NewRing(8)
	ring.publish(entryAt(log.DebugLevel, "noise"))
	ring.publish(entryAt(log.ErrorLevel, "boom"))
	ring.publish(entryAt(log.InfoLevel, "fyi"))

	var got = ring.Recent(0, log.ErrorLevel)
	require.Len(t, got, 1)
	require.Equal(t, "boom", got[0].Message)

	got = ring.Recent(0, log.InfoLevel)
	require.Len(t, got, 2)
}

func TestRingSubscribe(t *testing.T) {
	var ring = NewRing(8)
	var ch, cancel = ring.Subscribe()
	defer cancel()

	ring.publish(entryAt(log.InfoLevel, "live"))

	select {
	case e := <-ch:
		require.Equal(t, "live", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}

	cancel()
	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic or block.
	ring.publish(entryAt(log.InfoLevel, "after"))
}

func TestRingSlowSubscriberDropsEntries(t *testing.T) {
	var ring = NewRing(4)
	var ch, cancel = ring.Subscribe()
	defer cancel()

	// Overrun the subscriber buffer without reading; publish must not block.
	var done = make(chan struct{})
	go func() {
		for i := 0; i != subscriberBuffer+16; i++ {
			ring.publish(entryAt(log.InfoLevel, "flood"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	require.Len(t, ch, subscriberBuffer)
}

func TestHookCapturesFields(t *testing.T) {
	var ring = NewRing(8)
	var logger = log.New()
	logger.AddHook(ring)
	logger.SetLevel(log.DebugLevel)
	logger.Out = nopWriter{}

	logger.WithFields(log.Fields{"job": "orders", "err": fmt.Errorf("kaput")}).Warn("sink failed")

	var got = ring.Recent(0, log.WarnLevel)
	require.Len(t, got, 1)
	require.Equal(t, "sink failed", got[0].Message)
	require.Equal(t, "orders", got[0].Fields["job"])
	require.Equal(t, "kaput", got[0].Fields["err"])
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
