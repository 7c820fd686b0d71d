package coral

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefline/coralctl/internal/observability"
)

var (
	ErrAlreadyTracked      = errors.New("coral: agent already tracked")
	ErrUnknownRegistration = errors.New("coral: unknown registration")
)

// Status is the coordination-side view of one agent registration.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusLost    Status = "lost"
)

// RegistrationSnapshot is a point-in-time view of one registration.
type RegistrationSnapshot struct {
	AgentID   string    `json:"agent_id"`
	Endpoint  string    `json:"endpoint"`
	Status    Status    `json:"status"`
	Missed    int       `json:"missed_heartbeats"`
	LastAck   time.Time `json:"last_ack,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// KeeperRecorder receives registration status changes, e.g. for the journal.
type KeeperRecorder interface {
	RecordRegistration(agentID, endpoint string, status Status, detail string)
}

type registration struct {
	agentID  string
	endpoint string
	status   Status
	missed   int
	lastAck  time.Time
	lastErr  string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Keeper maintains registrations: initial register, heartbeat upkeep, and
// re-registration after missed acks. One goroutine per agent keeps the
// single-writer discipline — never more than one in-flight request per id.
type Keeper struct {
	client   *Client
	recorder KeeperRecorder

	mu   sync.Mutex
	regs map[string]*registration
	wg   sync.WaitGroup
}

type KeeperOption func(*Keeper)

func WithKeeperRecorder(recorder KeeperRecorder) KeeperOption {
	return func(k *Keeper) {
		k.recorder = recorder
	}
}

func NewKeeper(client *Client, opts ...KeeperOption) *Keeper {
	k := &Keeper{
		client: client,
		regs:   make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Track registers the agent and keeps the registration alive until released.
func (k *Keeper) Track(ctx context.Context, agentID, endpoint string) error {
	k.mu.Lock()
	if existing, ok := k.regs[agentID]; ok && existing.status != StatusLost {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, agentID)
	}
	regCtx, cancel := context.WithCancel(ctx)
	reg := &registration{
		agentID:  agentID,
		endpoint: endpoint,
		status:   StatusPending,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	k.regs[agentID] = reg
	k.mu.Unlock()

	k.record(reg, "tracking started")
	k.wg.Add(1)
	go k.maintain(regCtx, reg)
	return nil
}

// Release stops upkeep for one agent and best-effort deregisters it.
func (k *Keeper) Release(ctx context.Context, agentID string) error {
	k.mu.Lock()
	reg, ok := k.regs[agentID]
	if !ok {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRegistration, agentID)
	}
	delete(k.regs, agentID)
	k.mu.Unlock()

	reg.cancel()
	select {
	case <-reg.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	deregCtx, cancel := context.WithTimeout(context.Background(), k.client.Config().RequestTimeout)
	defer cancel()
	if err := k.client.Deregister(deregCtx, agentID); err != nil {
		log.Warn().Str("agent", agentID).Err(err).Msg("deregister failed")
	}
	return nil
}

// Snapshot returns the registration view for one agent.
func (k *Keeper) Snapshot(agentID string) (RegistrationSnapshot, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	reg, ok := k.regs[agentID]
	if !ok {
		return RegistrationSnapshot{}, false
	}
	return snapshotReg(reg), true
}

// SnapshotAll returns every registration, ordered by agent id.
func (k *Keeper) SnapshotAll() []RegistrationSnapshot {
	k.mu.Lock()
	out := make([]RegistrationSnapshot, 0, len(k.regs))
	for _, reg := range k.regs {
		out = append(out, snapshotReg(reg))
	}
	k.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Shutdown releases every registration and waits for upkeep loops to drain.
func (k *Keeper) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	ids := make([]string, 0, len(k.regs))
	for id := range k.regs {
		ids = append(ids, id)
	}
	k.mu.Unlock()

	for _, id := range ids {
		if err := k.Release(ctx, id); err != nil && !errors.Is(err, ErrUnknownRegistration) {
			return err
		}
	}

	drained := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Keeper) maintain(ctx context.Context, reg *registration) {
	defer k.wg.Done()
	defer close(reg.done)

	if err := k.client.Register(ctx, reg.agentID, reg.endpoint); err != nil {
		if ctx.Err() == nil {
			k.markLost(reg, err)
		}
		return
	}
	k.markActive(reg)

	ticker := time.NewTicker(k.client.Config().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := k.client.Heartbeat(ctx, reg.agentID)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			k.mu.Lock()
			reg.missed = 0
			reg.lastAck = time.Now()
			reg.lastErr = ""
			k.mu.Unlock()
			continue
		}

		observability.RecordHeartbeatFailure(reg.agentID)
		k.mu.Lock()
		reg.missed++
		reg.lastErr = err.Error()
		missed := reg.missed
		k.mu.Unlock()
		log.Warn().
			Str("agent", reg.agentID).
			Int("missed", missed).
			Err(err).
			Msg("heartbeat unacknowledged")

		if missed < k.client.Config().MissedThreshold {
			continue
		}

		k.setStatus(reg, StatusPending, "heartbeat threshold crossed, re-registering")
		if err := k.client.Register(ctx, reg.agentID, reg.endpoint); err != nil {
			if ctx.Err() == nil {
				k.markLost(reg, err)
			}
			return
		}
		k.markActive(reg)
	}
}

func (k *Keeper) markActive(reg *registration) {
	k.mu.Lock()
	reg.status = StatusActive
	reg.missed = 0
	reg.lastAck = time.Now()
	reg.lastErr = ""
	k.mu.Unlock()
	log.Info().Str("agent", reg.agentID).Str("endpoint", reg.endpoint).Msg("registration active")
	k.record(reg, "")
}

func (k *Keeper) markLost(reg *registration, err error) {
	k.mu.Lock()
	reg.status = StatusLost
	reg.lastErr = err.Error()
	k.mu.Unlock()
	log.Error().Str("agent", reg.agentID).Err(err).Msg("registration lost")
	k.record(reg, err.Error())
}

func (k *Keeper) setStatus(reg *registration, status Status, detail string) {
	k.mu.Lock()
	reg.status = status
	if detail != "" {
		reg.lastErr = detail
	}
	k.mu.Unlock()
	k.record(reg, detail)
}

func (k *Keeper) record(reg *registration, detail string) {
	if k.recorder == nil {
		return
	}
	k.mu.Lock()
	status := reg.status
	k.mu.Unlock()
	k.recorder.RecordRegistration(reg.agentID, reg.endpoint, status, detail)
}

func snapshotReg(reg *registration) RegistrationSnapshot {
	return RegistrationSnapshot{
		AgentID:   reg.agentID,
		Endpoint:  reg.endpoint,
		Status:    reg.status,
		Missed:    reg.missed,
		LastAck:   reg.lastAck,
		LastError: reg.lastErr,
	}
}
