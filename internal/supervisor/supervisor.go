package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/reefline/coralctl/internal/backoff"
	"github.com/reefline/coralctl/internal/image"
	"github.com/reefline/coralctl/internal/observability"
	"github.com/reefline/coralctl/internal/registry"
	"github.com/reefline/coralctl/internal/runtime"
)

var (
	ErrAgentActive  = errors.New("supervisor: agent already has an active instance")
	ErrUnknownAgent = errors.New("supervisor: unknown agent")
)

// StartSpec carries everything needed to launch one agent instance.
type StartSpec struct {
	Definition registry.Definition
	Image      image.Image
	Env        map[string]string
	Ports      []string
}

// Config bounds restart behavior and instance concurrency.
type Config struct {
	MaxRestarts        int
	CrashLoopThreshold int
	CrashLoopWindow    time.Duration
	// MaxConcurrent caps simultaneously running instances. Zero disables the cap.
	MaxConcurrent int64
	StopTimeout   time.Duration
	Backoff       backoff.Config
}

func DefaultConfig() Config {
	return Config{
		MaxRestarts:        5,
		CrashLoopThreshold: 5,
		CrashLoopWindow:    60 * time.Second,
		MaxConcurrent:      0,
		StopTimeout:        10 * time.Second,
		Backoff:            backoff.DefaultConfig(),
	}
}

// Recorder receives every state transition, e.g. for the event journal.
type Recorder interface {
	RecordTransition(agentID, instanceID string, from, to State, detail string)
}

// Snapshot is a point-in-time view of one instance.
type Snapshot struct {
	AgentID     string    `json:"agent_id"`
	InstanceID  string    `json:"instance_id"`
	ContainerID string    `json:"container_id,omitempty"`
	State       State     `json:"state"`
	Restarts    int       `json:"restarts"`
	ExitCode    int32     `json:"exit_code"`
	LastError   string    `json:"last_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type instance struct {
	agentID string
	id      string
	spec    StartSpec

	state         State
	restarts      int
	crashes       crashWindow
	handle        runtime.Handle
	hasHandle     bool
	exitCode      int32
	lastErr       string
	startedAt     time.Time
	updatedAt     time.Time
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// Supervisor owns the instance table. All lifecycle mutation goes through it.
type Supervisor struct {
	cfg      Config
	rt       runtime.ContainerRuntime
	clock    Clock
	recorder Recorder
	slots    *semaphore.Weighted

	mu        sync.Mutex
	instances map[string]*instance
	wg        sync.WaitGroup
}

type Option func(*Supervisor)

func WithClock(clock Clock) Option {
	return func(s *Supervisor) {
		s.clock = clock
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Supervisor) {
		s.recorder = recorder
	}
}

func New(cfg Config, rt runtime.ContainerRuntime, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		rt:        rt,
		clock:     RealClock(),
		instances: make(map[string]*instance),
	}
	if cfg.MaxConcurrent > 0 {
		s.slots = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches supervision for one agent. A non-terminal instance for the
// same agent id rejects the call; supervision for distinct agents is
// independent.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (string, error) {
	agentID := spec.Definition.ID

	s.mu.Lock()
	if existing, ok := s.instances[agentID]; ok && !existing.state.Terminal() {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAgentActive, agentID)
	}
	instCtx, cancel := context.WithCancel(ctx)
	inst := &instance{
		agentID: agentID,
		id:      uuid.NewString(),
		spec:    spec,
		state:   StatePending,
		crashes: crashWindow{
			window:    s.cfg.CrashLoopWindow,
			threshold: s.cfg.CrashLoopThreshold,
		},
		startedAt: s.clock.Now(),
		updatedAt: s.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.instances[agentID] = inst
	s.mu.Unlock()

	s.wg.Add(1)
	go s.supervise(instCtx, inst)
	return inst.id, nil
}

// Stop requests shutdown of one agent instance and waits for its supervision
// loop to finish. Any in-flight start or wait for that instance is canceled.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	s.mu.Lock()
	inst, ok := s.instances[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if inst.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	inst.stopRequested = true
	handle, hasHandle := inst.handle, inst.hasHandle
	cancel := inst.cancel
	s.mu.Unlock()

	if hasHandle {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout+time.Second)
		_ = s.rt.Stop(stopCtx, handle, s.cfg.StopTimeout)
		stopCancel()
	}
	cancel()

	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot for one agent id.
func (s *Supervisor) Status(agentID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[agentID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(inst), true
}

// StatusAll returns snapshots for every known instance, ordered by agent id.
func (s *Supervisor) StatusAll() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, snapshotOf(inst))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Shutdown stops every non-terminal instance and waits for supervision loops
// to drain.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id, inst := range s.instances {
		if !inst.state.Terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrUnknownAgent) {
			return err
		}
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) supervise(ctx context.Context, inst *instance) {
	defer s.wg.Done()
	defer close(inst.done)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		if s.slots != nil {
			if err := s.slots.Acquire(ctx, 1); err != nil {
				s.finishStopped(inst, "canceled while waiting for a run slot")
				return
			}
		}

		s.transition(inst, StateStarting, "")
		handle, err := s.rt.Start(ctx, s.containerSpec(inst))
		if err != nil {
			s.releaseSlot()
			if ctx.Err() != nil || s.isStopRequested(inst) {
				s.finishStopped(inst, "stopped before start completed")
				return
			}
			s.transition(inst, StateCrashed, err.Error())
		} else {
			s.attachHandle(inst, handle)
			s.transition(inst, StateRunning, "")

			exitCode, waitErr := s.rt.Wait(ctx, handle)
			s.releaseContainer(handle)
			s.detachHandle(inst)
			s.releaseSlot()

			if ctx.Err() != nil || s.isStopRequested(inst) {
				s.transition(inst, StateStopping, "")
				s.transition(inst, StateStopped, "stop requested")
				return
			}
			if waitErr != nil {
				s.transition(inst, StateCrashed, waitErr.Error())
			} else {
				s.mu.Lock()
				inst.exitCode = exitCode
				s.mu.Unlock()
				s.transition(inst, StateCrashed, fmt.Sprintf("container exited with code %d", exitCode))
			}
		}

		now := s.clock.Now()
		s.mu.Lock()
		crashes := inst.crashes.record(now)
		looping := inst.crashes.exceeded(now)
		restarts := inst.restarts
		s.mu.Unlock()

		if looping {
			observability.RecordCrashLoop(inst.agentID)
			loopErr := &CrashLoopError{AgentID: inst.agentID, Crashes: crashes, Window: s.cfg.CrashLoopWindow}
			log.Error().
				Str("agent", inst.agentID).
				Int("crashes", crashes).
				Dur("window", s.cfg.CrashLoopWindow).
				Msg("crash loop detected, instance failed")
			s.transition(inst, StateFailed, loopErr.Error())
			return
		}
		if restarts >= s.cfg.MaxRestarts {
			s.transition(inst, StateFailed, fmt.Sprintf("restart budget exhausted after %d restarts", restarts))
			return
		}

		s.mu.Lock()
		inst.restarts++
		attempt := inst.restarts
		s.mu.Unlock()
		observability.RecordInstanceRestart(inst.agentID)

		delay := backoff.NextDelay(s.cfg.Backoff, attempt, rng)
		log.Warn().
			Str("agent", inst.agentID).
			Int("restart", attempt).
			Dur("delay", delay).
			Msg("restarting crashed instance")
		if err := s.clock.Sleep(ctx, delay); err != nil {
			s.finishStopped(inst, "stopped during restart backoff")
			return
		}
	}
}

func (s *Supervisor) containerSpec(inst *instance) runtime.ContainerSpec {
	s.mu.Lock()
	attempt := inst.restarts
	s.mu.Unlock()
	return runtime.ContainerSpec{
		AgentID:           inst.agentID,
		Name:              fmt.Sprintf("coralctl-%s-%s-%d", inst.agentID, inst.id[:8], attempt),
		ImageRef:          inst.spec.Image.Ref,
		Env:               inst.spec.Env,
		Ports:             inst.spec.Ports,
		MountDockerSocket: inst.spec.Definition.MountDockerSocket,
	}
}

// releaseContainer removes the exited container so handles never leak,
// regardless of which path the supervision loop exits through.
func (s *Supervisor) releaseContainer(handle runtime.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout+time.Second)
	defer cancel()
	if err := s.rt.Remove(ctx, handle); err != nil {
		log.Warn().Str("agent", handle.AgentID).Str("container", handle.ContainerID).Err(err).Msg("container remove failed")
	}
}

func (s *Supervisor) releaseSlot() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

func (s *Supervisor) attachHandle(inst *instance, handle runtime.Handle) {
	s.mu.Lock()
	inst.handle = handle
	inst.hasHandle = true
	s.mu.Unlock()
}

func (s *Supervisor) detachHandle(inst *instance) {
	s.mu.Lock()
	inst.hasHandle = false
	s.mu.Unlock()
}

func (s *Supervisor) isStopRequested(inst *instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return inst.stopRequested
}

func (s *Supervisor) finishStopped(inst *instance, detail string) {
	s.mu.Lock()
	state := inst.state
	s.mu.Unlock()
	if state.Terminal() {
		return
	}
	s.transition(inst, StateStopped, detail)
}

func (s *Supervisor) transition(inst *instance, to State, detail string) {
	s.mu.Lock()
	from := inst.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		s.mu.Unlock()
		log.Error().
			Str("agent", inst.agentID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("rejected invalid state transition")
		return
	}
	inst.state = to
	inst.updatedAt = s.clock.Now()
	if detail != "" {
		inst.lastErr = detail
	}
	s.mu.Unlock()

	log.Debug().
		Str("agent", inst.agentID).
		Str("instance", inst.id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("detail", detail).
		Msg("instance transition")
	if s.recorder != nil {
		s.recorder.RecordTransition(inst.agentID, inst.id, from, to, detail)
	}
}

func snapshotOf(inst *instance) Snapshot {
	snap := Snapshot{
		AgentID:    inst.agentID,
		InstanceID: inst.id,
		State:      inst.state,
		Restarts:   inst.restarts,
		ExitCode:   inst.exitCode,
		LastError:  inst.lastErr,
		StartedAt:  inst.startedAt,
		UpdatedAt:  inst.updatedAt,
	}
	if inst.hasHandle {
		snap.ContainerID = inst.handle.ContainerID
	}
	return snap
}
