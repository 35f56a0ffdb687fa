package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/testutil/testlog"
)

var errDevice = errors.New("device unavailable")

type fakeModule struct {
	id         string
	startErr   error
	startDelay time.Duration
	stopDelay  time.Duration

	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	flashes []int64
}

func (m *fakeModule) ID() string { return m.id }

func (m *fakeModule) Start(ctx context.Context, dir string) error {
	if m.startDelay > 0 {
		time.Sleep(m.startDelay)
	}
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	return nil
}

func (m *fakeModule) Stop(ctx context.Context) error {
	if m.stopDelay > 0 {
		time.Sleep(m.stopDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	m.running = false
	return nil
}

func (m *fakeModule) Flash(ctx context.Context, syncNS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flashes = append(m.flashes, syncNS)
	return nil
}

func (m *fakeModule) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

type fixedSync struct{ ts int64 }

func (s fixedSync) SynchronizedTimestamp() int64 { return s.ts }
func (s fixedSync) Stale() bool                  { return false }

func newTestController(t *testing.T, cfg Config, mods ...Module) *Controller {
	t.Helper()
	reg := NewRegistry()
	for _, m := range mods {
		if err := reg.Register(m); err != nil {
			t.Fatalf("register %s: %v", m.ID(), err)
		}
	}
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-a"
	}
	return NewController(cfg, reg)
}

func TestStartStopLifecycleWritesMetadata(t *testing.T) {
	testlog.Start(t)
	cam := &fakeModule{id: "camera"}
	mic := &fakeModule{id: "mic"}
	c := newTestController(t, Config{}, cam, mic)
	c.SetSyncSource(fixedSync{ts: 777})

	var mu sync.Mutex
	var seen []State
	c.OnTransition(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr.To)
	})

	meta, err := c.StartSession(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateRecording || meta.StartSyncNS != 777 {
		t.Fatalf("state=%s meta=%+v", c.State(), meta)
	}
	for _, id := range []string{"camera", "mic"} {
		if st, err := os.Stat(filepath.Join(c.SessionDir("s-1"), id)); err != nil || !st.IsDir() {
			t.Fatalf("module dir %s missing: %v", id, err)
		}
	}
	onDisk, err := ReadMetadata(c.SessionDir("s-1"))
	if err != nil || onDisk.State != SessionRecording || len(onDisk.ModuleIDs(ModuleRecording)) != 2 {
		t.Fatalf("metadata on disk: %+v err=%v", onDisk, err)
	}

	stopped, err := c.StopSession(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if c.State() != StateIdle || stopped.State != SessionStopped || stopped.EndedAt == nil {
		t.Fatalf("stop result: state=%s meta=%+v", c.State(), stopped)
	}
	if cam.isRunning() || mic.isRunning() {
		t.Fatalf("modules still running after stop")
	}
	if c.LastSession().SessionID != "s-1" {
		t.Fatalf("last session not recorded")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StatePreparing, StateRecording, StateStopping, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("transitions=%v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions=%v", seen)
		}
	}
}

func TestDefaultSessionIDFormat(t *testing.T) {
	testlog.Start(t)
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := DefaultSessionID(at, "node-a"); got != "20250304_050607_node-a" {
		t.Fatalf("id=%q", got)
	}
	c := newTestController(t, Config{}, &fakeModule{id: "camera"})
	c.now = func() time.Time { return at }
	meta, err := c.StartSession(context.Background(), "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if meta.SessionID != "20250304_050607_node-a" {
		t.Fatalf("generated id=%q", meta.SessionID)
	}
	_, _ = c.StopSession(context.Background())
}

func TestAllModulesFailingEndsIdleWithNothingRunning(t *testing.T) {
	testlog.Start(t)
	a := &fakeModule{id: "a", startErr: errDevice}
	b := &fakeModule{id: "b", startErr: errDevice}
	c := newTestController(t, Config{}, a, b)

	meta, err := c.StartSession(context.Background(), "s-fail")
	if !errors.Is(err, ErrStartPolicy) || !errors.Is(err, errDevice) {
		t.Fatalf("expected policy and module errors, got %v", err)
	}
	if c.State() != StateIdle || c.Status().SessionID != "" {
		t.Fatalf("controller should be idle with no session: %+v", c.Status())
	}
	if meta.State != SessionFailed {
		t.Fatalf("metadata state=%s", meta.State)
	}
	if a.isRunning() || b.isRunning() {
		t.Fatalf("no module may be left running")
	}
	if _, err := c.StartSession(context.Background(), "s-next"); !errors.Is(err, ErrStartPolicy) {
		t.Fatalf("controller should accept a new start attempt, got %v", err)
	}
}

func TestAllPolicyRollsBackPartialStart(t *testing.T) {
	testlog.Start(t)
	good := &fakeModule{id: "good"}
	bad := &fakeModule{id: "bad", startErr: errDevice}
	c := newTestController(t, Config{}, good, bad)

	if _, err := c.StartSession(context.Background(), "s-1"); !errors.Is(err, ErrStartPolicy) {
		t.Fatalf("expected ErrStartPolicy, got %v", err)
	}
	if good.isRunning() || good.stops != 1 {
		t.Fatalf("started module must be rolled back, stops=%d", good.stops)
	}
}

func TestQuorumPolicyToleratesFailures(t *testing.T) {
	testlog.Start(t)
	policy, err := ParsePolicy("quorum:2")
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}
	a := &fakeModule{id: "a"}
	b := &fakeModule{id: "b"}
	bad := &fakeModule{id: "bad", startErr: errDevice}
	c := newTestController(t, Config{Policy: policy}, a, b, bad)

	meta, err := c.StartSession(context.Background(), "s-q")
	if err != nil {
		t.Fatalf("quorum start: %v", err)
	}
	if got := meta.ModuleIDs(ModuleFailed); len(got) != 1 || got[0] != "bad" {
		t.Fatalf("failed modules=%v", got)
	}
	if got := c.Status().Modules; len(got) != 2 {
		t.Fatalf("active modules=%v", got)
	}
	_, _ = c.StopSession(context.Background())
}

func TestStartWhileBusyIsRejected(t *testing.T) {
	testlog.Start(t)
	slow := &fakeModule{id: "slow", startDelay: 80 * time.Millisecond}
	c := newTestController(t, Config{}, slow)

	done := make(chan error, 1)
	go func() {
		_, err := c.StartSession(context.Background(), "s-1")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if _, err := c.StartSession(context.Background(), "s-2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while preparing, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := c.StartSession(context.Background(), "s-3"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while recording, got %v", err)
	}
	if st := c.Status(); st.SessionID != "s-1" {
		t.Fatalf("busy start changed session: %+v", st)
	}
	_, _ = c.StopSession(context.Background())
	if _, err := c.StopSession(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("stop while idle should be a no-op, got %v", err)
	}
}

func TestLateStartingModuleIsStopped(t *testing.T) {
	testlog.Start(t)
	late := &fakeModule{id: "late", startDelay: 100 * time.Millisecond}
	c := newTestController(t, Config{StartTimeout: 20 * time.Millisecond}, late)

	_, err := c.StartSession(context.Background(), "s-late")
	if !errors.Is(err, ErrStartPolicy) || !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected start timeout, got %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if late.isRunning() || late.stops != 1 {
		t.Fatalf("late module must be stopped once it starts, stops=%d", late.stops)
	}
}

func TestStopTimeoutReturnsToIdle(t *testing.T) {
	testlog.Start(t)
	stuck := &fakeModule{id: "stuck", stopDelay: time.Second}
	c := newTestController(t, Config{ShutdownTimeout: 30 * time.Millisecond}, stuck)
	if _, err := c.StartSession(context.Background(), "s-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	begin := time.Now()
	meta, err := c.StopSession(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(begin) > 500*time.Millisecond {
		t.Fatalf("stop did not honor shutdown timeout")
	}
	if c.State() != StateIdle || meta.ModuleIDs(ModuleStopTimeout)[0] != "stuck" {
		t.Fatalf("state=%s modules=%+v", c.State(), meta.Modules)
	}
}

func TestFlashReachesFlashers(t *testing.T) {
	testlog.Start(t)
	cam := &fakeModule{id: "camera"}
	c := newTestController(t, Config{}, cam)
	if _, err := c.Flash(context.Background(), 1); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("flash while idle: %v", err)
	}
	if _, err := c.StartSession(context.Background(), "s-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ids, err := c.Flash(context.Background(), 99)
	if err != nil || len(ids) != 1 || cam.flashes[0] != 99 {
		t.Fatalf("flash ids=%v err=%v flashes=%v", ids, err, cam.flashes)
	}
	_, _ = c.StopSession(context.Background())
}

func TestUnsafeSessionIDRejected(t *testing.T) {
	testlog.Start(t)
	c := newTestController(t, Config{}, &fakeModule{id: "camera"})
	if _, err := c.StartSession(context.Background(), "../escape"); err == nil {
		t.Fatalf("expected unsafe id to be rejected")
	}
	if c.State() != StateIdle {
		t.Fatalf("state=%s", c.State())
	}
}

func TestNoModulesRejected(t *testing.T) {
	testlog.Start(t)
	c := newTestController(t, Config{})
	if _, err := c.StartSession(context.Background(), "s-1"); !errors.Is(err, ErrNoModules) {
		t.Fatalf("expected ErrNoModules, got %v", err)
	}
}

func TestConcurrentStartsYieldOneSession(t *testing.T) {
	testlog.Start(t)
	c := newTestController(t, Config{}, &fakeModule{id: "camera", startDelay: 10 * time.Millisecond})
	var ok, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.StartSession(context.Background(), "s-1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || busy.Load() != 7 {
		t.Fatalf("ok=%d busy=%d", ok.Load(), busy.Load())
	}
	_, _ = c.StopSession(context.Background())
}
