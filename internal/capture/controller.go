package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy         = errors.New("capture: controller busy")
	ErrNotRecording = errors.New("capture: no session recording")
	ErrNoModules    = errors.New("capture: no modules registered")
	ErrStartPolicy  = errors.New("capture: start policy not met")
	ErrStartTimeout = errors.New("capture: module start timed out")
	ErrStopTimeout  = errors.New("capture: module stop timed out")
)

type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

type Config struct {
	NodeID          string
	Root            string
	Policy          StartPolicy
	StartTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Root:            "sessions",
		Policy:          StartPolicy{Mode: PolicyAll},
		StartTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Root) == "" {
		c.Root = def.Root
	}
	if c.Policy.Mode == "" {
		c.Policy = def.Policy
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node"
	}
	return c
}

// SyncSource supplies hub-aligned timestamps. clock.Estimator satisfies it.
type SyncSource interface {
	SynchronizedTimestamp() int64
	Stale() bool
}

type Transition struct {
	From      State
	To        State
	SessionID string
	At        time.Time
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State
	SessionID string
	Dir       string
	Modules   []string
	StartedAt time.Time
}

type session struct {
	id      string
	dir     string
	started []Module
	meta    Metadata
}

// Controller owns the node's single recording session. All session state
// changes go through it; concurrent start or stop calls are rejected.
type Controller struct {
	cfg     Config
	modules *Registry
	now     func() time.Time

	mu           sync.Mutex
	state        State
	pendingID    string
	active       *session
	last         Metadata
	syncSrc      SyncSource
	onTransition func(Transition)

	notifyMu sync.Mutex
	late     sync.WaitGroup
}

func NewController(cfg Config, modules *Registry) *Controller {
	if modules == nil {
		modules = NewRegistry()
	}
	return &Controller{
		cfg:     cfg.withDefaults(),
		modules: modules,
		now:     time.Now,
		state:   StateIdle,
	}
}

func (c *Controller) Modules() *Registry {
	return c.modules
}

func (c *Controller) Root() string {
	return c.cfg.Root
}

func (c *Controller) SetSyncSource(src SyncSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncSrc = src
}

// OnTransition registers a callback for every state change. Callbacks are
// serialized and run outside the controller lock.
func (c *Controller) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, SessionID: c.pendingID}
	if c.active != nil {
		st.SessionID = c.active.id
		st.Dir = c.active.dir
		for _, m := range c.active.started {
			st.Modules = append(st.Modules, m.ID())
		}
		if c.active.meta.StartedAt != nil {
			st.StartedAt = *c.active.meta.StartedAt
		}
	}
	return st
}

// LastSession returns the metadata of the most recently finished session.
func (c *Controller) LastSession() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// SessionDir returns the directory a session id maps to under the root.
func (c *Controller) SessionDir(id string) string {
	return filepath.Join(c.cfg.Root, id)
}

// DefaultSessionID formats <UTC yyyymmdd_hhmmss>_<node id>.
func DefaultSessionID(at time.Time, nodeID string) string {
	return at.UTC().Format("20060102_150405") + "_" + nodeID
}

// StartSession prepares the session directory and starts every registered
// module concurrently. On a policy failure the started modules are stopped,
// the controller returns to IDLE and the error wraps ErrStartPolicy and each
// module failure.
func (c *Controller) StartSession(ctx context.Context, id string) (Metadata, error) {
	mods := c.modules.Modules()
	id = strings.TrimSpace(id)

	c.mu.Lock()
	if c.state != StateIdle {
		st, sid := c.state, c.pendingID
		if c.active != nil {
			sid = c.active.id
		}
		c.mu.Unlock()
		log.Warn().Str("state", string(st)).Str("session", sid).Str("requested", id).Msg("capture.Controller.StartSession rejected; controller busy")
		return Metadata{}, fmt.Errorf("%w: state=%s session=%s", ErrBusy, st, sid)
	}
	if len(mods) == 0 {
		c.mu.Unlock()
		return Metadata{}, ErrNoModules
	}
	created := c.now().UTC()
	if id == "" {
		id = DefaultSessionID(created, c.cfg.NodeID)
	}
	if err := protocol.CheckPathSafeID(id); err != nil {
		c.mu.Unlock()
		return Metadata{}, err
	}
	c.pendingID = id
	tr := c.setStateLocked(StatePreparing, id)
	src := c.syncSrc
	c.mu.Unlock()
	c.notify(tr)

	dir := c.SessionDir(id)
	meta := Metadata{
		Version:   MetadataVersion,
		SessionID: id,
		NodeID:    c.cfg.NodeID,
		State:     SessionPreparing,
		CreatedAt: created,
		Policy:    c.cfg.Policy.String(),
	}
	for _, m := range mods {
		meta.Modules = append(meta.Modules, ModuleRecord{ID: m.ID(), Status: ModulePending})
	}
	if err := c.prepareDir(dir, mods, meta); err != nil {
		c.finish(nil, Metadata{})
		return Metadata{}, err
	}

	log.Info().Str("session", id).Int("modules", len(mods)).Str("policy", meta.Policy).Msg("capture.Controller.StartSession starting modules")
	started, records, errs := c.startModules(ctx, dir, mods)
	meta.Modules = records

	if !c.cfg.Policy.Satisfied(len(started), len(mods)) {
		if len(started) > 0 {
			c.stopModules(context.Background(), started, meta.Modules)
		}
		meta.State = SessionFailed
		end := c.now().UTC()
		meta.EndedAt = &end
		if err := WriteMetadata(dir, meta); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("capture.Controller.StartSession metadata write failed")
		}
		c.finish(nil, meta)
		policyErr := fmt.Errorf("%w: %d of %d modules started (policy %s)", ErrStartPolicy, len(started), len(mods), meta.Policy)
		log.Error().Err(errors.Join(errs...)).Str("session", id).Int("started", len(started)).Msg("capture.Controller.StartSession rolled back")
		return meta, errors.Join(append([]error{policyErr}, errs...)...)
	}
	if len(errs) > 0 {
		log.Warn().Err(errors.Join(errs...)).Str("session", id).Int("started", len(started)).Msg("capture.Controller.StartSession recording with partial module set")
	}

	startedAt := c.now().UTC()
	meta.State = SessionRecording
	meta.StartedAt = &startedAt
	if src != nil {
		meta.StartSyncNS = src.SynchronizedTimestamp()
		meta.SyncStale = src.Stale()
	}
	if err := WriteMetadata(dir, meta); err != nil {
		log.Warn().Err(err).Str("session", id).Msg("capture.Controller.StartSession metadata write failed")
	}

	c.mu.Lock()
	c.active = &session{id: id, dir: dir, started: started, meta: meta}
	c.pendingID = ""
	tr = c.setStateLocked(StateRecording, id)
	c.mu.Unlock()
	c.notify(tr)
	log.Info().Str("session", id).Strs("modules", meta.ModuleIDs(ModuleRecording)).Msg("capture.Controller.StartSession recording")
	return meta, nil
}

// StopSession stops every started module concurrently and returns to IDLE
// once all confirm or ShutdownTimeout elapses. Outside RECORDING it is a
// no-op returning ErrNotRecording.
func (c *Controller) StopSession(ctx context.Context) (Metadata, error) {
	c.mu.Lock()
	if c.state != StateRecording || c.active == nil {
		st := c.state
		c.mu.Unlock()
		log.Debug().Str("state", string(st)).Msg("capture.Controller.StopSession ignored")
		return Metadata{}, fmt.Errorf("%w: state=%s", ErrNotRecording, st)
	}
	sess := c.active
	tr := c.setStateLocked(StateStopping, sess.id)
	src := c.syncSrc
	c.mu.Unlock()
	c.notify(tr)

	meta := sess.meta
	meta.Modules = append([]ModuleRecord(nil), sess.meta.Modules...)
	c.stopModules(ctx, sess.started, meta.Modules)

	end := c.now().UTC()
	meta.State = SessionStopped
	meta.EndedAt = &end
	if meta.StartedAt != nil {
		meta.DurationSeconds = end.Sub(*meta.StartedAt).Seconds()
	}
	if src != nil {
		meta.EndSyncNS = src.SynchronizedTimestamp()
		meta.SyncStale = meta.SyncStale || src.Stale()
	}
	if err := WriteMetadata(sess.dir, meta); err != nil {
		log.Warn().Err(err).Str("session", sess.id).Msg("capture.Controller.StopSession metadata write failed")
	}
	c.finish(sess, meta)
	log.Info().Str("session", sess.id).Float64("duration_s", meta.DurationSeconds).Msg("capture.Controller.StopSession stopped")
	return meta, nil
}

// Flash stamps a sync marker on every recording module that supports it.
func (c *Controller) Flash(ctx context.Context, syncNS int64) ([]string, error) {
	c.mu.Lock()
	if c.state != StateRecording || c.active == nil {
		c.mu.Unlock()
		return nil, ErrNotRecording
	}
	started := append([]Module(nil), c.active.started...)
	c.mu.Unlock()

	var flashed []string
	var errs []error
	for _, m := range started {
		f, ok := m.(Flasher)
		if !ok {
			continue
		}
		if err := f.Flash(ctx, syncNS); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.ID(), err))
			continue
		}
		flashed = append(flashed, m.ID())
	}
	return flashed, errors.Join(errs...)
}

// Close stops an active session and waits for modules that started after
// their start deadline to be stopped.
func (c *Controller) Close(ctx context.Context) error {
	_, err := c.StopSession(ctx)
	if errors.Is(err, ErrNotRecording) {
		err = nil
	}
	c.late.Wait()
	return err
}

func (c *Controller) prepareDir(dir string, mods []Module, meta Metadata) error {
	for _, m := range mods {
		if err := os.MkdirAll(filepath.Join(dir, m.ID()), 0o755); err != nil {
			return fmt.Errorf("capture: create module dir: %w", err)
		}
	}
	return WriteMetadata(dir, meta)
}

type moduleResult struct {
	module Module
	err    error
}

func (c *Controller) startModules(ctx context.Context, dir string, mods []Module) ([]Module, []ModuleRecord, []error) {
	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	results := make(chan moduleResult, len(mods))
	for _, m := range mods {
		go func() {
			results <- moduleResult{module: m, err: m.Start(startCtx, filepath.Join(dir, m.ID()))}
		}()
	}

	index := make(map[string]int, len(mods))
	records := make([]ModuleRecord, len(mods))
	for i, m := range mods {
		index[m.ID()] = i
		records[i] = ModuleRecord{ID: m.ID(), Status: ModulePending}
	}
	var started []Module
	var errs []error
	pending := len(mods)
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			i := index[r.module.ID()]
			if r.err != nil {
				records[i].Status = ModuleFailed
				records[i].Error = r.err.Error()
				errs = append(errs, fmt.Errorf("%s: %w", r.module.ID(), r.err))
				continue
			}
			records[i].Status = ModuleRecording
			started = append(started, r.module)
		case <-startCtx.Done():
			for i := range records {
				if records[i].Status == ModulePending {
					records[i].Status = ModuleStartLate
					records[i].Error = ErrStartTimeout.Error()
					errs = append(errs, fmt.Errorf("%s: %w", records[i].ID, ErrStartTimeout))
				}
			}
			c.reapLate(results, pending)
			pending = 0
		}
	}
	return started, records, errs
}

// reapLate stops modules whose Start returns after the start deadline.
func (c *Controller) reapLate(results <-chan moduleResult, n int) {
	c.late.Add(1)
	go func() {
		defer c.late.Done()
		for i := 0; i < n; i++ {
			r := <-results
			if r.err != nil {
				continue
			}
			log.Warn().Str("module", r.module.ID()).Msg("capture.Controller module started after deadline; stopping")
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
			if err := r.module.Stop(ctx); err != nil {
				log.Warn().Err(err).Str("module", r.module.ID()).Msg("capture.Controller late module stop failed")
			}
			cancel()
		}
	}()
}

// stopModules updates records in place for the modules it stops.
func (c *Controller) stopModules(ctx context.Context, mods []Module, records []ModuleRecord) {
	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	results := make(chan moduleResult, len(mods))
	for _, m := range mods {
		go func() {
			results <- moduleResult{module: m, err: m.Stop(stopCtx)}
		}()
	}
	set := func(id, status string, err error) {
		for i := range records {
			if records[i].ID == id {
				records[i].Status = status
				if err != nil {
					records[i].Error = err.Error()
				}
				return
			}
		}
	}
	waiting := make(map[string]bool, len(mods))
	for _, m := range mods {
		waiting[m.ID()] = true
	}
	for len(waiting) > 0 {
		select {
		case r := <-results:
			delete(waiting, r.module.ID())
			if r.err != nil {
				log.Warn().Err(r.err).Str("module", r.module.ID()).Msg("capture.Controller module stop failed")
				set(r.module.ID(), ModuleStopFailed, r.err)
				continue
			}
			set(r.module.ID(), ModuleStopped, nil)
		case <-stopCtx.Done():
			for id := range waiting {
				log.Warn().Str("module", id).Dur("timeout", c.cfg.ShutdownTimeout).Msg("capture.Controller module stop timed out")
				set(id, ModuleStopTimeout, ErrStopTimeout)
			}
			return
		}
	}
}

func (c *Controller) finish(sess *session, meta Metadata) {
	c.mu.Lock()
	id := c.pendingID
	if sess != nil {
		id = sess.id
	}
	c.active = nil
	c.pendingID = ""
	if meta.SessionID != "" {
		c.last = meta
	}
	tr := c.setStateLocked(StateIdle, id)
	c.mu.Unlock()
	c.notify(tr)
}

func (c *Controller) setStateLocked(to State, sessionID string) Transition {
	tr := Transition{From: c.state, To: to, SessionID: sessionID, At: c.now()}
	c.state = to
	return tr
}

func (c *Controller) notify(tr Transition) {
	if tr.From == tr.To {
		return
	}
	c.mu.Lock()
	fn := c.onTransition
	c.mu.Unlock()
	if fn == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	fn(tr)
}
