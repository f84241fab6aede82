package sendtask

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/gateway"
)

type pollResult struct {
	status gateway.TaskStatus
	err    error
}

type scriptedClient struct {
	results []pollResult
	calls   int
}

func (c *scriptedClient) TaskStatus(context.Context, string) (gateway.TaskStatus, error) {
	r := c.results[c.calls%len(c.results)]
	c.calls++
	return r.status, r.err
}

// fakeClock hands the test direct control over the poll tick and the linger
// timer.
type fakeClock struct {
	tick  chan time.Time
	after chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{tick: make(chan time.Time), after: make(chan time.Time)}
}

func (f *fakeClock) NewTicker(time.Duration) ticker       { return f }
func (f *fakeClock) Chan() <-chan time.Time               { return f.tick }
func (f *fakeClock) Stop()                                {}
func (f *fakeClock) After(time.Duration) <-chan time.Time { return f.after }

func testPoller(client StatusClient) *Poller {
	logger := slog.New(slog.DiscardHandler)
	return NewPoller(client, time.Second, 2500*time.Millisecond, logger)
}

func TestTrackRejectsConcurrentTask(t *testing.T) {
	p := testPoller(&scriptedClient{results: []pollResult{
		{status: gateway.TaskStatus{TaskID: "a", Status: "sending"}},
	}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Track(ctx, "a"))
	err := p.Track(ctx, "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "a", cur.ID)
}

func TestPollTransitionsToTerminal(t *testing.T) {
	client := &scriptedClient{results: []pollResult{
		{status: gateway.TaskStatus{TaskID: "t1", Status: "sending", Progress: 40}},
		{status: gateway.TaskStatus{TaskID: "t1", Status: "success", Progress: 100}},
	}}
	p := testPoller(client)

	gen, err := p.register("t1")
	require.NoError(t, err)

	cur, _ := p.Current()
	assert.Equal(t, StatusQueued, cur.Status)

	assert.False(t, p.pollOnce(context.Background(), "t1", gen))
	cur, _ = p.Current()
	assert.Equal(t, StatusSending, cur.Status)
	assert.Equal(t, 40, cur.Progress)

	assert.True(t, p.pollOnce(context.Background(), "t1", gen))
	cur, _ = p.Current()
	assert.Equal(t, StatusSuccess, cur.Status)
	assert.Equal(t, 100, cur.Progress)
}

func TestTransientPollFailureKeepsTaskAlive(t *testing.T) {
	client := &scriptedClient{results: []pollResult{
		{err: fmt.Errorf("connection refused")},
		{status: gateway.TaskStatus{TaskID: "t1", Status: "sending", Progress: 10}},
	}}
	p := testPoller(client)
	gen, err := p.register("t1")
	require.NoError(t, err)

	assert.False(t, p.pollOnce(context.Background(), "t1", gen))
	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, StatusQueued, cur.Status)
	assert.Contains(t, cur.Detail, "状态查询失败")

	assert.False(t, p.pollOnce(context.Background(), "t1", gen))
	cur, _ = p.Current()
	assert.Equal(t, StatusSending, cur.Status)
}

func TestFailedTaskCarriesServerError(t *testing.T) {
	client := &scriptedClient{results: []pollResult{
		{status: gateway.TaskStatus{TaskID: "t1", Status: "failed", Error: "文件不存在"}},
	}}
	p := testPoller(client)
	gen, err := p.register("t1")
	require.NoError(t, err)

	assert.True(t, p.pollOnce(context.Background(), "t1", gen))
	cur, _ := p.Current()
	assert.Equal(t, StatusFailed, cur.Status)
	assert.Equal(t, "文件不存在", cur.Detail)
}

func TestStaleGenerationCannotTouchNewTask(t *testing.T) {
	client := &scriptedClient{results: []pollResult{
		{status: gateway.TaskStatus{TaskID: "old", Status: "success", Progress: 100}},
	}}
	p := testPoller(client)

	oldGen, err := p.register("old")
	require.NoError(t, err)
	require.True(t, p.pollOnce(context.Background(), "old", oldGen))

	// A terminal task may be replaced immediately.
	_, err = p.register("new")
	require.NoError(t, err)

	// The superseded task's deferred clear must not wipe the new record, and
	// its late poll response must not overwrite it either.
	p.clearIfCurrent(oldGen)
	assert.True(t, p.pollOnce(context.Background(), "old", oldGen))

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "new", cur.ID)
	assert.Equal(t, StatusQueued, cur.Status)
}

func TestRunLoopClearsAfterLinger(t *testing.T) {
	client := &scriptedClient{results: []pollResult{
		{status: gateway.TaskStatus{TaskID: "t1", Status: "success", Progress: 100}},
	}}
	p := testPoller(client)
	clk := newFakeClock()
	p.clock = clk

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Track(ctx, "t1"))

	clk.tick <- time.Now()
	assert.Eventually(t, func() bool {
		cur, ok := p.Current()
		return ok && cur.Status == StatusSuccess
	}, time.Second, 5*time.Millisecond)

	clk.after <- time.Now()
	assert.Eventually(t, func() bool {
		_, ok := p.Current()
		return !ok
	}, time.Second, 5*time.Millisecond)
}
