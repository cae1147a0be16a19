package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracking-service/internal/platform"
	"tracking-service/internal/redis"
	"tracking-service/internal/tracker"
)

type fakeStore struct {
	mu        sync.Mutex
	settings  redis.Settings
	loadErr   error
	saveErr   error
	status    string
	commands  chan string
	flagSaves int
}

func newFakeStore(enabled, stopRequested bool) *fakeStore {
	return &fakeStore{
		settings: redis.Settings{TrackingEnabled: enabled, UserRequestedStop: stopRequested},
		commands: make(chan string),
	}
}

func (f *fakeStore) LoadSettings(context.Context) (redis.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.loadErr
}

func (f *fakeStore) SaveFlags(_ context.Context, enabled, stopRequested bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.settings.TrackingEnabled = enabled
	f.settings.UserRequestedStop = stopRequested
	f.flagSaves++
	return nil
}

func (f *fakeStore) PublishStatus(_ context.Context, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if field == redis.FieldStatus {
		f.status = value
	}
	return nil
}

func (f *fakeStore) ReceiveCommands(ctx context.Context, handler func(string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-f.commands:
			handler(cmd)
		}
	}
}

func (f *fakeStore) failSaves(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *fakeStore) flags() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings.TrackingEnabled, f.settings.UserRequestedStop
}

type fakePerms struct{ p platform.Permission }

func (f fakePerms) LocationPermission(context.Context) platform.Permission { return f.p }

type fakeController struct {
	mu       sync.Mutex
	viewers  int
	settings int
	stopped  bool
	stop     chan struct{}
	done     chan struct{}
}

func newFakeController() *fakeController {
	return &fakeController{stop: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeController) Run(ctx context.Context) error {
	defer close(f.done)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stop:
		return nil
	}
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	if !f.stopped {
		f.stopped = true
		close(f.stop)
	}
	f.mu.Unlock()
	<-f.done
}

func (f *fakeController) ViewerVisible() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewers++
}

func (f *fakeController) SettingsChanged() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings++
}

func (f *fakeController) Done() <-chan struct{} { return f.done }

type factory struct {
	mu    sync.Mutex
	built []*fakeController
}

func (f *factory) new() Controller {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeController()
	f.built = append(f.built, c)
	return c
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *factory) last() *fakeController {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

func newTestService(store *fakeStore, perm platform.Permission) (*Service, *factory) {
	f := &factory{}
	return New(store, fakePerms{p: perm}, f.new, zerolog.Nop()), f
}

func TestShouldRun(t *testing.T) {
	tests := []struct {
		enabled, stopRequested, want bool
	}{
		{enabled: true, stopRequested: false, want: true},
		{enabled: true, stopRequested: true, want: false},
		{enabled: false, stopRequested: false, want: false},
		{enabled: false, stopRequested: true, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldRun(tt.enabled, tt.stopRequested), "enabled=%v stop=%v", tt.enabled, tt.stopRequested)
	}
}

func TestResume(t *testing.T) {
	tests := []struct {
		name          string
		enabled, stop bool
		perm          platform.Permission
		wantRunning   bool
	}{
		{name: "enabled", enabled: true, perm: platform.PermissionFine, wantRunning: true},
		{name: "coarse permission is enough", enabled: true, perm: platform.PermissionCoarse, wantRunning: true},
		{name: "user stopped", enabled: true, stop: true, perm: platform.PermissionFine},
		{name: "never enabled", perm: platform.PermissionFine},
		{name: "permission revoked", enabled: true, perm: platform.PermissionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, f := newTestService(newFakeStore(tt.enabled, tt.stop), tt.perm)
			require.NoError(t, svc.Resume(context.Background()))
			assert.Equal(t, tt.wantRunning, svc.Running())
			if tt.wantRunning {
				assert.Equal(t, 1, f.count())
			} else {
				assert.Zero(t, f.count())
			}
			svc.shutdown()
		})
	}
}

func TestResumeFailsWhenFlagsUnreadable(t *testing.T) {
	store := newFakeStore(true, false)
	store.loadErr = errors.New("connection refused")
	svc, f := newTestService(store, platform.PermissionFine)

	assert.Error(t, svc.Resume(context.Background()))
	assert.Zero(t, f.count())
}

func TestStartRequiresPermission(t *testing.T) {
	store := newFakeStore(false, true)
	svc, f := newTestService(store, platform.PermissionNone)

	err := svc.Start(context.Background())
	assert.ErrorIs(t, err, tracker.ErrPermissionDenied)
	assert.False(t, svc.Running())
	assert.Zero(t, f.count())
	assert.Equal(t, tracker.StatusPermissionRequired, store.status)

	enabled, stop := store.flags()
	assert.False(t, enabled)
	assert.True(t, stop, "refused start leaves the stop flag alone")
}

func TestStartClearsStopFlag(t *testing.T) {
	store := newFakeStore(false, true)
	svc, f := newTestService(store, platform.PermissionFine)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.shutdown()

	enabled, stop := store.flags()
	assert.True(t, enabled)
	assert.False(t, stop)
	assert.True(t, svc.Running())

	// a second start keeps the running controller
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, 1, f.count())
}

func TestStopPreventsZombieRestart(t *testing.T) {
	store := newFakeStore(true, false)
	svc, f := newTestService(store, platform.PermissionFine)
	ctx := context.Background()

	require.NoError(t, svc.Resume(ctx))
	require.True(t, svc.Running())
	first := f.last()

	svc.Stop(ctx)
	assert.False(t, svc.Running())
	assert.True(t, first.stopped)
	enabled, stop := store.flags()
	assert.False(t, enabled)
	assert.True(t, stop)

	// repeated restart signals do nothing
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Resume(ctx))
	}
	assert.False(t, svc.Running())
	assert.Equal(t, 1, f.count())

	// viewer commands do not wake a stopped service
	svc.HandleCommand(ctx, CommandViewer)
	assert.Zero(t, first.viewers)

	// only a fresh start brings it back
	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Running())
	assert.Equal(t, 2, f.count())
	svc.shutdown()
}

func TestStopHoldsWhenFlagsNotPersisted(t *testing.T) {
	store := newFakeStore(true, false)
	svc, f := newTestService(store, platform.PermissionFine)
	ctx := context.Background()

	require.NoError(t, svc.Resume(ctx))
	require.True(t, svc.Running())

	store.failSaves(errors.New("connection refused"))
	svc.Stop(ctx)
	assert.False(t, svc.Running())
	enabled, stop := store.flags()
	require.True(t, enabled)
	require.False(t, stop)

	// still failing: the restart does not bring tracking back
	require.NoError(t, svc.Resume(ctx))
	assert.False(t, svc.Running())

	// once the store is back the restart persists the stop instead of resuming
	store.failSaves(nil)
	require.NoError(t, svc.Resume(ctx))
	assert.False(t, svc.Running())
	assert.Equal(t, 1, f.count())
	enabled, stop = store.flags()
	assert.False(t, enabled)
	assert.True(t, stop)

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Running())
	assert.Equal(t, 2, f.count())
	svc.shutdown()
}

func TestCommandsForwarded(t *testing.T) {
	store := newFakeStore(true, false)
	svc, f := newTestService(store, platform.PermissionFine)
	ctx := context.Background()
	require.NoError(t, svc.Resume(ctx))
	defer svc.shutdown()

	svc.HandleCommand(ctx, CommandViewer)
	svc.HandleCommand(ctx, CommandViewer)
	svc.HandleCommand(ctx, CommandSettings)
	svc.HandleCommand(ctx, "bogus")

	c := f.last()
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 2, c.viewers)
	assert.Equal(t, 1, c.settings)
}

func TestServeRestartRerunsDecision(t *testing.T) {
	store := newFakeStore(true, false)
	svc, f := newTestService(store, platform.PermissionFine)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Serve(ctx) }()

	store.commands <- CommandViewer
	require.Equal(t, 1, f.count())
	assert.True(t, svc.Running())

	store.commands <- CommandStop
	assert.Eventually(t, func() bool { return !svc.Running() }, time.Second, 10*time.Millisecond)

	// supervisor restart after a crash
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { errc <- svc.Serve(ctx2) }()
	store.commands <- CommandSettings
	assert.False(t, svc.Running(), "a restart after a user stop must not resume")
	assert.Equal(t, 1, f.count())
}

func TestServeStopsControllerOnExit(t *testing.T) {
	store := newFakeStore(true, false)
	svc, f := newTestService(store, platform.PermissionFine)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Serve(ctx) }()
	store.commands <- CommandViewer

	cancel()
	<-errc
	assert.False(t, svc.Running())
	select {
	case <-f.last().Done():
	case <-time.After(time.Second):
		t.Fatal("controller outlived the lifecycle")
	}
	enabled, stop := store.flags()
	assert.True(t, enabled, "shutdown is not a user stop")
	assert.False(t, stop)
}

func TestFuncService(t *testing.T) {
	called := false
	f := Func{Name: "gpsd", Run: func(context.Context) error {
		called = true
		return nil
	}}
	assert.Equal(t, "gpsd", f.String())
	require.NoError(t, f.Serve(context.Background()))
	assert.True(t, called)
}
