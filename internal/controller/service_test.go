package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reefline/coralctl/internal/config"
	"github.com/reefline/coralctl/internal/coral"
	"github.com/reefline/coralctl/internal/envcfg"
	"github.com/reefline/coralctl/internal/image"
	"github.com/reefline/coralctl/internal/registry"
	"github.com/reefline/coralctl/internal/runtime"
	"github.com/reefline/coralctl/internal/supervisor"
	"github.com/reefline/coralctl/internal/testutil/testlog"
)

type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	return []byte("ok"), nil, 0, nil
}

type fakeRuntime struct {
	mu     sync.Mutex
	starts []runtime.ContainerSpec
}

func (f *fakeRuntime) Start(ctx context.Context, spec runtime.ContainerSpec) (runtime.Handle, error) {
	f.mu.Lock()
	f.starts = append(f.starts, spec)
	n := len(f.starts)
	f.mu.Unlock()
	return runtime.Handle{AgentID: spec.AgentID, ContainerID: fmt.Sprintf("c%d", n)}, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, handle runtime.Handle) (int32, error) {
	<-ctx.Done()
	return -1, ctx.Err()
}

func (f *fakeRuntime) Stop(ctx context.Context, handle runtime.Handle, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, handle runtime.Handle) error {
	return nil
}

func (f *fakeRuntime) startedAgents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.starts))
	for _, spec := range f.starts {
		out = append(out, spec.AgentID)
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testService(t *testing.T, cfg config.ControllerConfig, rt runtime.ContainerRuntime) *Service {
	t.Helper()
	builder, err := image.NewBuilder(image.BuilderConfig{
		WorkspaceRoot: cfg.WorkspaceRoot,
		Runner:        fakeRunner{},
	})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	supCfg, err := supervisorConfig(cfg.Supervisor)
	if err != nil {
		t.Fatalf("supervisor config: %v", err)
	}
	return &Service{
		cfg:     cfg,
		builder: builder,
		sup:     supervisor.New(supCfg, rt),
	}
}

func TestBootstrapStartsEveryAgent(t *testing.T) {
	testlog.Start(t)
	workspace := t.TempDir()
	writeFile(t, workspace, "agents/alpha/Dockerfile", "FROM scratch\n")
	writeFile(t, workspace, "agents/beta/Dockerfile", "FROM scratch\n")
	registryPath := writeFile(t, workspace, "agents.toml", `
[[agent]]
id = "alpha"
source = "agents/alpha"
endpoint = "http://localhost:8100"
[agent.build]
dockerfile = "Dockerfile"

[[agent]]
id = "beta"
source = "agents/beta"
[agent.build]
dockerfile = "Dockerfile"
`)
	envPath := writeFile(t, workspace, ".env", "CORAL_SERVER_URL=http://coral:5555\nMODEL_API_KEY=test-key\n")

	rt := &fakeRuntime{}
	svc := testService(t, config.ControllerConfig{
		Name:          "coralctl-test",
		RegistryPath:  registryPath,
		WorkspaceRoot: workspace,
		EnvFiles:      []string{envPath},
	}, rt)

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(rt.startedAgents()) == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	started := rt.startedAgents()
	if len(started) != 2 {
		t.Fatalf("expected 2 container starts, got %v", started)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := svc.sup.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestBootstrapRunsAndRegistersAgentExactlyOnce(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	registers := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/agents/register":
			var payload struct {
				AgentID string `json:"agent_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			registers[payload.AgentID]++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
		case strings.HasSuffix(r.URL.Path, "/heartbeat"):
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	workspace := t.TempDir()
	writeFile(t, workspace, "agents/solo/Dockerfile", "FROM scratch\n")
	registryPath := writeFile(t, workspace, "agents.toml", `
[[agent]]
id = "solo"
source = "agents/solo"
endpoint = "http://localhost:8100"
[agent.build]
dockerfile = "Dockerfile"
`)
	envPath := writeFile(t, workspace, ".env", "MODEL_API_KEY=test-key\n")

	cfg := config.ControllerConfig{
		Name:          "coralctl-test",
		RegistryPath:  registryPath,
		WorkspaceRoot: workspace,
		EnvFiles:      []string{envPath},
		Server:        config.ServerConfig{URL: srv.URL},
	}
	svc := testService(t, cfg, &fakeRuntime{})
	clientCfg, err := clientConfig(cfg.Server)
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	client, err := coral.NewClient(clientCfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	svc.keeper = coral.NewKeeper(client)

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := svc.sup.Status("solo")
		reg, tracked := svc.keeper.Snapshot("solo")
		if ok && snap.State == supervisor.StateRunning && tracked && reg.Status == coral.StatusActive {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	all := svc.sup.StatusAll()
	if len(all) != 1 || all[0].State != supervisor.StateRunning {
		t.Fatalf("expected exactly one running instance, got %+v", all)
	}
	reg, ok := svc.keeper.Snapshot("solo")
	if !ok || reg.Status != coral.StatusActive {
		t.Fatalf("expected active registration, got %+v", reg)
	}

	// give the keeper room to misbehave before pinning the count
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	count := registers["solo"]
	mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one register call, got %d", count)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.keeper.Shutdown(ctx); err != nil {
		t.Fatalf("keeper shutdown: %v", err)
	}
	if err := svc.sup.Shutdown(ctx); err != nil {
		t.Fatalf("supervisor shutdown: %v", err)
	}
}

func TestBootstrapAggregatesAllFailures(t *testing.T) {
	testlog.Start(t)
	workspace := t.TempDir()
	writeFile(t, workspace, "agents/alpha/Dockerfile", "FROM scratch\n")
	writeFile(t, workspace, "agents/beta/Dockerfile", "FROM scratch\n")
	registryPath := writeFile(t, workspace, "agents.toml", `
[[agent]]
id = "alpha"
source = "agents/alpha"
required_env = ["ALPHA_ONLY_KEY"]
[agent.build]
dockerfile = "Dockerfile"

[[agent]]
id = "beta"
source = "agents/missing-source"
[agent.build]
dockerfile = "Dockerfile"
`)
	envPath := writeFile(t, workspace, ".env", "CORAL_SERVER_URL=http://coral:5555\nMODEL_API_KEY=test-key\n")

	svc := testService(t, config.ControllerConfig{
		Name:          "coralctl-test",
		RegistryPath:  registryPath,
		WorkspaceRoot: workspace,
		EnvFiles:      []string{envPath},
	}, &fakeRuntime{})

	err := svc.Bootstrap(context.Background())
	var bootErr *BootstrapError
	if !errors.As(err, &bootErr) {
		t.Fatalf("expected BootstrapError, got %v", err)
	}
	if len(bootErr.Failures) != 2 {
		t.Fatalf("expected both failures reported, got %+v", bootErr.Failures)
	}
	// failures come back sorted by agent id
	if bootErr.Failures[0].AgentID != "alpha" || bootErr.Failures[1].AgentID != "beta" {
		t.Fatalf("unexpected failure order: %+v", bootErr.Failures)
	}
	var missing *envcfg.MissingKeysError
	if !errors.As(bootErr.Failures[0].Err, &missing) {
		t.Fatalf("alpha should fail on env resolution: %v", bootErr.Failures[0].Err)
	}
	if !errors.Is(bootErr.Failures[1].Err, image.ErrSourceMissing) {
		t.Fatalf("beta should fail on missing source: %v", bootErr.Failures[1].Err)
	}
}

func TestResolveEnvComposesSources(t *testing.T) {
	testlog.Start(t)
	t.Setenv("MODEL_API_KEY", "process-key")
	t.Setenv("MODEL_NAME", "sonnet")

	svc := &Service{cfg: config.ControllerConfig{
		Server: config.ServerConfig{URL: "http://coral:5555"},
	}}
	def := registry.Definition{
		ID:          "worker",
		RequiredEnv: []string{"SEARCH_API_KEY"},
		Env:         map[string]string{"SEARCH_API_KEY": "inline-search", "EXTRA_FLAG": "on"},
	}

	env, err := svc.resolveEnv(def, []envcfg.Source{envcfg.ProcessEnv()})
	if err != nil {
		t.Fatalf("resolve env: %v", err)
	}
	want := map[string]string{
		envcfg.KeyServerURL: "http://coral:5555",
		envcfg.KeySSEURL:    "http://coral:5555/sse",
		envcfg.KeyAgentID:   "worker",
		envcfg.KeyAPIKey:    "process-key",
		envcfg.KeyModelName: "sonnet",
		"SEARCH_API_KEY":    "inline-search",
		"EXTRA_FLAG":        "on",
	}
	if !reflect.DeepEqual(env, want) {
		t.Fatalf("env mismatch:\n got=%v\nwant=%v", env, want)
	}
}

func TestResolveEnvAgentCanOverrideStreamURL(t *testing.T) {
	testlog.Start(t)
	t.Setenv("MODEL_API_KEY", "process-key")

	svc := &Service{cfg: config.ControllerConfig{
		Server: config.ServerConfig{URL: "http://coral:5555"},
	}}
	def := registry.Definition{
		ID:  "worker",
		Env: map[string]string{envcfg.KeySSEURL: "http://coral:5555/custom/sse"},
	}

	env, err := svc.resolveEnv(def, []envcfg.Source{envcfg.ProcessEnv()})
	if err != nil {
		t.Fatalf("resolve env: %v", err)
	}
	if env[envcfg.KeySSEURL] != "http://coral:5555/custom/sse" {
		t.Fatalf("per-agent value must win: %q", env[envcfg.KeySSEURL])
	}
}

func TestStopAgentWithoutKeeper(t *testing.T) {
	testlog.Start(t)
	svc := &Service{sup: supervisor.New(supervisor.DefaultConfig(), &fakeRuntime{})}
	if err := svc.StopAgent(context.Background(), "missing"); !errors.Is(err, supervisor.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestPortsFor(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		endpoint string
		want     []string
	}{
		{"http://localhost:8100", []string{"8100:8100"}},
		{"localhost:9000", []string{"9000:9000"}},
		{"http://localhost", nil},
		{"", nil},
		{"just-a-host", nil},
	}
	for _, tc := range cases {
		if got := portsFor(tc.endpoint); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("portsFor(%q): got=%v want=%v", tc.endpoint, got, tc.want)
		}
	}
}

func TestBootstrapErrorMessageListsAgents(t *testing.T) {
	testlog.Start(t)
	err := &BootstrapError{Failures: []AgentFailure{
		{AgentID: "alpha", Err: errors.New("missing key")},
		{AgentID: "beta", Err: errors.New("build failed")},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "alpha: missing key") || !strings.Contains(msg, "beta: build failed") {
		t.Fatalf("message must list every failure: %s", msg)
	}
	if !strings.Contains(msg, "2 agent(s)") {
		t.Fatalf("message must carry the count: %s", msg)
	}
}

func TestSupervisorConfigMapping(t *testing.T) {
	testlog.Start(t)
	cfg, err := supervisorConfig(config.SupervisorConfig{
		MaxRestarts:        3,
		CrashLoopThreshold: 4,
		CrashLoopWindow:    "90s",
		MaxConcurrent:      8,
		StopTimeout:        "15s",
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if cfg.MaxRestarts != 3 || cfg.CrashLoopThreshold != 4 || cfg.MaxConcurrent != 8 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.CrashLoopWindow != 90*time.Second || cfg.StopTimeout != 15*time.Second {
		t.Fatalf("durations not mapped: %+v", cfg)
	}

	defaults, err := supervisorConfig(config.SupervisorConfig{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !reflect.DeepEqual(defaults, supervisor.DefaultConfig()) {
		t.Fatalf("empty config must yield defaults: %+v", defaults)
	}
}

func TestClientConfigMapping(t *testing.T) {
	testlog.Start(t)
	t.Setenv("CORALCTL_TEST_SERVER_KEY", "env-key")
	cfg, err := clientConfig(config.ServerConfig{
		URL:                 "http://coral:5555",
		APIKeyEnv:           "CORALCTL_TEST_SERVER_KEY",
		RequestTimeout:      "3s",
		HeartbeatInterval:   "10s",
		MaxRegisterAttempts: 7,
		MissedThreshold:     4,
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if cfg.ServerURL != "http://coral:5555" || cfg.APIKey != "env-key" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MaxAttempts != 7 || cfg.MissedThreshold != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.RequestTimeout != 3*time.Second || cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("durations not mapped: %+v", cfg)
	}
}
