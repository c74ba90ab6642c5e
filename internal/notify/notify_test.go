package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/netstore/internal/notify"
	"github.com/cuemby/netstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	failNext bool
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return assertErr
	}
	c.messages = append(c.messages, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

var assertErr = &fakeWriteError{}

type fakeWriteError struct{}

func (*fakeWriteError) Error() string { return "fake write error" }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestNotifyURLDeliversOnlyToMatchingChannel(t *testing.T) {
	bus := notify.New(notify.Config{})
	connA := &fakeConn{}
	connB := &fakeConn{}
	bus.Register(connA, "/files/a", "u1", "")
	bus.Register(connB, "/files/b", "u1", "")

	bus.NotifyURL(context.Background(), "/files/a", types.NewEvent(types.OpPatch, "HttpProject", "a", nil))

	waitFor(t, func() bool { return connA.count() == 1 })
	assert.Equal(t, 0, connB.count())
}

func TestNotifyUsersFiltersByUser(t *testing.T) {
	bus := notify.New(notify.Config{})
	connA := &fakeConn{}
	connB := &fakeConn{}
	bus.Register(connA, "/files", "u1", "")
	bus.Register(connB, "/files", "u2", "")

	bus.NotifyUsers(context.Background(), []string{"u2"}, types.NewEvent(types.OpAccessGranted, "Workspace", "s1", nil))

	waitFor(t, func() bool { return connB.count() == 1 })
	assert.Equal(t, 0, connA.count())
}

func TestCloseURLUnregistersChannels(t *testing.T) {
	bus := notify.New(notify.Config{})
	conn := &fakeConn{}
	bus.Register(conn, "/files/s1", "u1", "")
	require.Equal(t, 1, bus.Count("/files/s1"))

	bus.CloseURL(context.Background(), "/files/s1")

	assert.Equal(t, 0, bus.Count("/files/s1"))
	waitFor(t, func() bool { conn.mu.Lock(); defer conn.mu.Unlock(); return conn.closed })
}

func TestHasUserAndFilterUserIDs(t *testing.T) {
	bus := notify.New(notify.Config{})
	bus.Register(&fakeConn{}, "/files", "u1", "")

	assert.True(t, bus.HasUser("u1", notify.Filter{}))
	assert.False(t, bus.HasUser("u2", notify.Filter{}))
	assert.Equal(t, []string{"u1"}, bus.FilterUserIDs([]string{"u1", "u2"}, notify.Filter{}))
}
