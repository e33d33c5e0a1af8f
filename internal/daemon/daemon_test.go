package daemon

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/liftsync/internal/orchestrator"
	"github.com/yairfalse/liftsync/internal/webhook"
	"github.com/yairfalse/liftsync/pkg/resource"
)

type fakeResyncer struct {
	mu     sync.Mutex
	passes [][]resource.Kind
	fail   map[resource.Kind]bool
}

func (f *fakeResyncer) ResyncAll(_ context.Context, kinds []resource.Kind) []*orchestrator.Result {
	f.mu.Lock()
	f.passes = append(f.passes, kinds)
	f.mu.Unlock()

	results := make([]*orchestrator.Result, len(kinds))
	for i, k := range kinds {
		state := orchestrator.StateCompleted
		if f.fail[k] {
			state = orchestrator.StateFailed
		}
		results[i] = &orchestrator.Result{Kind: k, State: state, Entities: 1}
	}
	return results
}

func (f *fakeResyncer) Passes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.passes)
}

type countingDispatcher struct {
	calls atomic.Int64
	delay time.Duration
}

func (c *countingDispatcher) WebhookDispatch(context.Context, resource.WebhookEvent) (*orchestrator.Result, error) {
	time.Sleep(c.delay)
	c.calls.Add(1)
	return &orchestrator.Result{State: orchestrator.StateCompleted}, nil
}

var testKinds = []resource.Kind{resource.KindStack, resource.KindUser}

func TestNewDaemon_Validation(t *testing.T) {
	_, err := NewDaemon(Config{Kinds: testKinds}, &fakeResyncer{}, nil)
	assert.Error(t, err)

	_, err = NewDaemon(Config{Interval: time.Minute}, &fakeResyncer{}, nil)
	assert.Error(t, err)

	d, err := NewDaemon(Config{Kinds: testKinds, OneShot: true}, &fakeResyncer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultShutdownTimeout, d.cfg.ShutdownTimeout)
}

func TestDaemon_OneShot(t *testing.T) {
	r := &fakeResyncer{}
	d, err := NewDaemon(Config{Kinds: testKinds, OneShot: true}, r, nil)
	require.NoError(t, err)

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 1, r.Passes())
	assert.Equal(t, int64(1), d.PassCount())
}

func TestDaemon_SchedulesPasses(t *testing.T) {
	r := &fakeResyncer{}
	d, err := NewDaemon(Config{Kinds: testKinds, Interval: 10 * time.Millisecond}, r, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Passes() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemon_ServesWebhooksAndDrainsOnShutdown(t *testing.T) {
	r := &fakeResyncer{}
	disp := &countingDispatcher{delay: 50 * time.Millisecond}
	srv := webhook.NewServer(disp)

	d, err := NewDaemon(Config{Kinds: testKinds, Interval: time.Hour, Listen: "127.0.0.1:0"}, r, srv)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	base := "http://" + d.Addr()

	// ready after the initial pass
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.Passes())

	resp, err := http.Post(base+"/webhook", "application/json", strings.NewReader(`{"event":"run.finished","id":"run1"}`))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, int64(1), disp.calls.Load())
}

func TestDaemon_ListenError(t *testing.T) {
	d, err := NewDaemon(Config{Kinds: testKinds, Interval: time.Hour, Listen: "256.0.0.1:bad"}, &fakeResyncer{}, webhook.NewServer(&countingDispatcher{}))
	require.NoError(t, err)

	err = d.Run(context.Background())
	assert.Error(t, err)
}

func TestDaemon_PassToleratesFailures(t *testing.T) {
	r := &fakeResyncer{fail: map[resource.Kind]bool{resource.KindUser: true}}
	d, err := NewDaemon(Config{Kinds: testKinds, OneShot: true}, r, nil)
	require.NoError(t, err)

	results := d.Pass(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, orchestrator.StateCompleted, results[0].State)
	assert.Equal(t, orchestrator.StateFailed, results[1].State)
}

func TestPassStatus(t *testing.T) {
	assert.Equal(t, "success", passStatus(0, 3))
	assert.Equal(t, "partial", passStatus(1, 3))
	assert.Equal(t, "failed", passStatus(3, 3))
	assert.Equal(t, "success", passStatus(0, 0))
}
