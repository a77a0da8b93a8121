package chatsession

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal wsConn double: ReadMessage blocks on a channel of
// pre-seeded frames (or returns an error once the channel is closed),
// WriteMessage records everything sent.
type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	reads    chan []byte
	readErr  error
	closed   bool
	pongFunc func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.pongFunc = h
}
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func TestEnqueueDeliversToWritePump(t *testing.T) {
	conn := newFakeConn()
	sess := New("s1", "ada", conn, nil)

	go sess.WritePump()
	require.True(t, sess.Enqueue([]byte("hello")))

	require.Eventually(t, func() bool { return conn.writeCount() >= 1 }, time.Second, 5*time.Millisecond)

	sess.Close()
}

func TestEnqueueSlowConsumerTriggersTerminate(t *testing.T) {
	conn := newFakeConn()
	var terminated int32
	var mu sync.Mutex
	var terminatedSession *Session

	sess := New("s1", "ada", conn, func(s *Session) {
		mu.Lock()
		terminated++
		terminatedSession = s
		mu.Unlock()
	})

	// Fill the outbound queue without a writer draining it, then push past
	// the slow-consumer threshold.
	for i := 0; i < outboundCapacity; i++ {
		sess.Enqueue([]byte("x"))
	}
	for i := 0; i < maxConsecutiveDrops; i++ {
		sess.Enqueue([]byte("y"))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), terminated)
	assert.Same(t, sess, terminatedSession)
}

func TestTerminateRunsOnTerminateExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	var calls int
	var mu sync.Mutex
	sess := New("s1", "ada", conn, func(*Session) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.terminate()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "onTerminate must fire exactly once regardless of concurrent callers")
}

func TestReadPumpStopsOnHandleFalse(t *testing.T) {
	conn := newFakeConn()
	sess := New("s1", "ada", conn, nil)

	conn.reads <- []byte(`{"type":"disconnect"}`)

	done := make(chan struct{})
	go func() {
		sess.ReadPump(func([]byte) bool { return false })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadPump should return once handle reports false")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	sess := New("s1", "ada", conn, nil)
	sess.Close()
	sess.Close() // must not panic on double-close
	assert.True(t, conn.closed)
}

func TestSetCurrentRoomRoundTrip(t *testing.T) {
	conn := newFakeConn()
	sess := New("s1", "ada", conn, nil)
	assert.Equal(t, "", sess.CurrentRoom())
	sess.SetCurrentRoom("General")
	assert.Equal(t, "General", sess.CurrentRoom())
}
