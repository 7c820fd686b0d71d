package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/reefline/coralctl/internal/config"
	"github.com/reefline/coralctl/internal/controlapi"
	"github.com/reefline/coralctl/internal/coral"
	"github.com/reefline/coralctl/internal/envcfg"
	"github.com/reefline/coralctl/internal/image"
	"github.com/reefline/coralctl/internal/journal"
	"github.com/reefline/coralctl/internal/registry"
	"github.com/reefline/coralctl/internal/runtime"
	"github.com/reefline/coralctl/internal/supervisor"
	"github.com/reefline/coralctl/internal/tools"
)

// AgentFailure is one agent that could not be brought up.
type AgentFailure struct {
	AgentID string
	Err     error
}

// BootstrapError aggregates every startup failure so a single run reports the
// complete set of broken agents.
type BootstrapError struct {
	Failures []AgentFailure
}

func (e *BootstrapError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.AgentID, f.Err))
	}
	return fmt.Sprintf("controller: %d agent(s) failed to start: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Service owns the full controller lifecycle from registry load to drained
// shutdown.
type Service struct {
	cfg     config.ControllerConfig
	builder *image.Builder
	sup     *supervisor.Supervisor
	keeper  *coral.Keeper
	jrnl    *journal.Journal

	mu   sync.Mutex
	defs []registry.Definition
}

// New wires a service from configuration. The registry itself is loaded at
// Run time so file errors surface with the rest of the bootstrap.
func New(cfg config.ControllerConfig) (*Service, error) {
	runner, err := runnerFor(cfg.Docker)
	if err != nil {
		return nil, err
	}

	builder, err := image.NewBuilder(image.BuilderConfig{
		WorkspaceRoot: cfg.WorkspaceRoot,
		Runner:        runner,
	})
	if err != nil {
		return nil, err
	}

	svc := &Service{cfg: cfg, builder: builder}

	if strings.TrimSpace(cfg.JournalPath) != "" {
		jrnl, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		svc.jrnl = jrnl
	}

	supOpts := []supervisor.Option{}
	if svc.jrnl != nil {
		supOpts = append(supOpts, supervisor.WithRecorder(svc.jrnl))
	}
	supCfg, err := supervisorConfig(cfg.Supervisor)
	if err != nil {
		return nil, err
	}
	svc.sup = supervisor.New(supCfg, runtime.NewDockerRuntime(runner), supOpts...)

	if strings.TrimSpace(cfg.Server.URL) != "" {
		clientCfg, err := clientConfig(cfg.Server)
		if err != nil {
			return nil, err
		}
		client, err := coral.NewClient(clientCfg)
		if err != nil {
			return nil, err
		}
		keeperOpts := []coral.KeeperOption{}
		if svc.jrnl != nil {
			keeperOpts = append(keeperOpts, coral.WithKeeperRecorder(svc.jrnl))
		}
		svc.keeper = coral.NewKeeper(client, keeperOpts...)
	} else {
		log.Warn().Msg("no coordination server configured, agents run unregistered")
	}

	return svc, nil
}

// Run executes the controller until interrupted.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext bootstraps every agent, serves the control API, and shuts down
// when ctx is canceled. Any bootstrap failure aborts the run with the full
// failure set.
func (s *Service) RunContext(ctx context.Context) error {
	log.Info().
		Str("name", s.cfg.Name).
		Str("registry", s.cfg.RegistryPath).
		Str("admin", s.cfg.AdminAddr).
		Msg("controller starting")

	if err := s.Bootstrap(ctx); err != nil {
		s.shutdown()
		return err
	}

	srv := &http.Server{
		Addr:    s.cfg.AdminAddr,
		Handler: controlapi.NewRouter(s.cfg.Name, s.cfg.CorsOrigins, s),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("addr", s.cfg.AdminAddr).Err(err).Msg("control api server failed")
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			s.shutdown()
			return nil
		case <-ticker.C:
			s.logStatusSummary()
		}
	}
}

// Bootstrap loads the registry and brings every defined agent up in
// parallel. It returns a BootstrapError listing every agent that failed.
func (s *Service) Bootstrap(ctx context.Context) error {
	defs, err := registry.Load(s.cfg.RegistryPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
	log.Info().Int("agents", len(defs)).Msg("registry loaded")

	sources, err := s.envSources()
	if err != nil {
		return err
	}

	var (
		failMu   sync.Mutex
		failures []AgentFailure
	)
	var g errgroup.Group
	for _, def := range defs {
		def := def
		g.Go(func() error {
			if err := s.launch(ctx, def, sources); err != nil {
				log.Error().Str("agent", def.ID).Err(err).Msg("agent bootstrap failed")
				failMu.Lock()
				failures = append(failures, AgentFailure{AgentID: def.ID, Err: err})
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].AgentID < failures[j].AgentID
		})
		return &BootstrapError{Failures: failures}
	}
	return nil
}

func (s *Service) launch(ctx context.Context, def registry.Definition, sources []envcfg.Source) error {
	img, rebuilt, err := s.builder.Build(ctx, def)
	if err != nil {
		if s.jrnl != nil {
			s.jrnl.RecordBuild(def.ID, "", false, err.Error())
		}
		return err
	}
	if s.jrnl != nil && rebuilt {
		s.jrnl.RecordBuild(def.ID, img.Ref, true, "")
	}

	env, err := s.resolveEnv(def, sources)
	if err != nil {
		return err
	}

	if _, err := s.sup.Start(ctx, supervisor.StartSpec{
		Definition: def,
		Image:      img,
		Env:        env,
		Ports:      portsFor(def.Endpoint),
	}); err != nil {
		return err
	}

	if s.keeper != nil {
		if err := s.keeper.Track(ctx, def.ID, def.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

// resolveEnv builds one agent's environment: mandatory keys plus the
// definition's required keys must resolve; well-known optional keys and
// inline definition values pass through when present.
func (s *Service) resolveEnv(def registry.Definition, shared []envcfg.Source) (map[string]string, error) {
	overrides := map[string]string{
		envcfg.KeyAgentID: def.ID,
	}
	if url := strings.TrimSpace(s.cfg.Server.URL); url != "" {
		overrides[envcfg.KeyServerURL] = url
		overrides[envcfg.KeySSEURL] = strings.TrimRight(url, "/") + "/sse"
	}
	for key, value := range def.Env {
		overrides[key] = value
	}

	sources := make([]envcfg.Source, 0, len(shared)+1)
	sources = append(sources, envcfg.Overrides(overrides))
	sources = append(sources, shared...)

	required := append(envcfg.Mandatory(), def.RequiredEnv...)
	env, err := envcfg.Resolve(required, sources...)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", def.ID, err)
	}

	for _, key := range envcfg.Optional() {
		if _, ok := env[key]; ok {
			continue
		}
		if value, ok := envcfg.Lookup(key, sources...); ok {
			env[key] = value
		}
	}
	for key, value := range def.Env {
		if _, ok := env[key]; !ok {
			env[key] = value
		}
	}
	return env, nil
}

func (s *Service) envSources() ([]envcfg.Source, error) {
	out := make([]envcfg.Source, 0, len(s.cfg.EnvFiles)+1)
	for _, path := range s.cfg.EnvFiles {
		src, err := envcfg.EnvFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	out = append(out, envcfg.ProcessEnv())
	return out, nil
}

// AgentStatuses implements controlapi.Source.
func (s *Service) AgentStatuses() []controlapi.AgentStatus {
	snaps := s.sup.StatusAll()
	out := make([]controlapi.AgentStatus, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, s.statusOf(snap))
	}
	return out
}

// AgentStatus implements controlapi.Source.
func (s *Service) AgentStatus(agentID string) (controlapi.AgentStatus, bool) {
	snap, ok := s.sup.Status(agentID)
	if !ok {
		return controlapi.AgentStatus{}, false
	}
	return s.statusOf(snap), true
}

func (s *Service) statusOf(snap supervisor.Snapshot) controlapi.AgentStatus {
	status := controlapi.AgentStatus{Instance: snap}
	if s.keeper != nil {
		if reg, ok := s.keeper.Snapshot(snap.AgentID); ok {
			status.Registration = &reg
		}
	}
	return status
}

// StopAgent implements controlapi.Source. The registration is released
// before the container stops so the server never sees heartbeats from an
// agent that is going away.
func (s *Service) StopAgent(ctx context.Context, agentID string) error {
	if s.keeper != nil {
		if err := s.keeper.Release(ctx, agentID); err != nil && !errors.Is(err, coral.ErrUnknownRegistration) {
			return err
		}
	}
	return s.sup.Stop(ctx, agentID)
}

// Events implements controlapi.Source.
func (s *Service) Events(agentID string, limit int) ([]journal.Event, error) {
	if s.jrnl == nil {
		return nil, nil
	}
	if agentID == "" {
		return s.jrnl.Recent(limit)
	}
	return s.jrnl.RecentForAgent(agentID, limit)
}

func (s *Service) logStatusSummary() {
	counts := make(map[supervisor.State]int)
	for _, snap := range s.sup.StatusAll() {
		counts[snap.State]++
	}
	event := log.Info()
	for state, n := range counts {
		event = event.Int(string(state), n)
	}
	event.Msg("agent status")
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.keeper != nil {
		if err := s.keeper.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("registration shutdown incomplete")
		}
	}
	if err := s.sup.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("supervisor shutdown incomplete")
	}
	if s.jrnl != nil {
		if err := s.jrnl.Close(); err != nil {
			log.Warn().Err(err).Msg("journal close failed")
		}
	}
	log.Info().Msg("controller stopped")
}

func runnerFor(dc config.DockerConfig) (tools.CommandRunner, error) {
	if strings.TrimSpace(dc.Mode) != "ssh" {
		return tools.ExecRunner{}, nil
	}
	timeout, err := config.ParseDuration(dc.SSH.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return tools.SSHRunner{
		Host:                        dc.SSH.Host,
		Port:                        dc.SSH.Port,
		User:                        dc.SSH.User,
		KeyPath:                     dc.SSH.KeyPath,
		KnownHostsPath:              dc.SSH.KnownHostsPath,
		InsecureSkipHostKeyChecking: dc.SSH.InsecureSkipHostKeyChecking,
		Timeout:                     timeout,
	}, nil
}

func supervisorConfig(sc config.SupervisorConfig) (supervisor.Config, error) {
	cfg := supervisor.DefaultConfig()
	if sc.MaxRestarts > 0 {
		cfg.MaxRestarts = sc.MaxRestarts
	}
	if sc.CrashLoopThreshold > 0 {
		cfg.CrashLoopThreshold = sc.CrashLoopThreshold
	}
	if sc.MaxConcurrent > 0 {
		cfg.MaxConcurrent = sc.MaxConcurrent
	}
	window, err := config.ParseDuration(sc.CrashLoopWindow, cfg.CrashLoopWindow)
	if err != nil {
		return supervisor.Config{}, err
	}
	cfg.CrashLoopWindow = window
	stop, err := config.ParseDuration(sc.StopTimeout, cfg.StopTimeout)
	if err != nil {
		return supervisor.Config{}, err
	}
	cfg.StopTimeout = stop
	return cfg, nil
}

func clientConfig(sc config.ServerConfig) (coral.ClientConfig, error) {
	cfg := coral.DefaultClientConfig()
	cfg.ServerURL = sc.URL
	cfg.APIKey = sc.ResolveAPIKey()
	if sc.MaxRegisterAttempts > 0 {
		cfg.MaxAttempts = sc.MaxRegisterAttempts
	}
	if sc.MissedThreshold > 0 {
		cfg.MissedThreshold = sc.MissedThreshold
	}
	timeout, err := config.ParseDuration(sc.RequestTimeout, cfg.RequestTimeout)
	if err != nil {
		return coral.ClientConfig{}, err
	}
	cfg.RequestTimeout = timeout
	interval, err := config.ParseDuration(sc.HeartbeatInterval, cfg.HeartbeatInterval)
	if err != nil {
		return coral.ClientConfig{}, err
	}
	cfg.HeartbeatInterval = interval
	return cfg, nil
}

// portsFor maps an endpoint's port to an identical host publish spec, so the
// declared endpoint is reachable without per-agent port plumbing.
func portsFor(endpoint string) []string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	hostport := endpoint
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil
		}
		hostport = parsed.Host
	}
	_, port, err := net.SplitHostPort(hostport)
	if err != nil || port == "" {
		return nil
	}
	return []string{port + ":" + port}
}
