package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/reefline/coralctl/internal/registry"
	"github.com/reefline/coralctl/internal/testutil/testlog"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	exitCode int32
	stderr   string
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if f.err != nil {
		return nil, []byte(f.stderr), f.exitCode, f.err
	}
	return nil, nil, 0, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func TestFingerprintDeterministic(t *testing.T) {
	testlog.Start(t)
	files := map[string]string{
		"Dockerfile": "FROM python:3.12\n",
		"main.py":    "print('ok')\n",
		"pkg/mod.py": "x = 1\n",
	}
	a, err := Fingerprint(writeSource(t, files))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	b, err := Fingerprint(writeSource(t, files))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("identical trees must fingerprint identically: %s != %s", a, b)
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	testlog.Start(t)
	root := writeSource(t, map[string]string{"main.py": "v1\n"})
	before, err := Fingerprint(root)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "main.py"), []byte("v2\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	after, err := Fingerprint(root)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if before == after {
		t.Fatalf("content change must change the fingerprint")
	}
}

func TestFingerprintMissingSource(t *testing.T) {
	testlog.Start(t)
	if _, err := Fingerprint(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("expected ErrSourceMissing, got %v", err)
	}
}

func testDefinition(source string) registry.Definition {
	return registry.Definition{
		ID:     "worker",
		Source: source,
		Build:  registry.BuildSpec{Dockerfile: "Dockerfile", Context: "."},
	}
}

func TestBuildSkipsUnchangedFingerprint(t *testing.T) {
	testlog.Start(t)
	source := writeSource(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	runner := &fakeRunner{}
	builder, err := NewBuilder(BuilderConfig{WorkspaceRoot: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	first, built, err := builder.Build(context.Background(), testDefinition(source))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !built {
		t.Fatalf("first build must run docker")
	}

	second, built, err := builder.Build(context.Background(), testDefinition(source))
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if built {
		t.Fatalf("unchanged source must skip the rebuild")
	}
	if second.Ref != first.Ref || second.Fingerprint != first.Fingerprint {
		t.Fatalf("cached image mismatch: %+v vs %+v", second, first)
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected 1 docker invocation, got %d", runner.callCount())
	}
}

func TestBuildRebuildsOnSourceChange(t *testing.T) {
	testlog.Start(t)
	source := writeSource(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	runner := &fakeRunner{}
	builder, err := NewBuilder(BuilderConfig{WorkspaceRoot: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	first, _, err := builder.Build(context.Background(), testDefinition(source))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := os.WriteFile(filepath.Join(source, "extra.py"), []byte("new\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	second, built, err := builder.Build(context.Background(), testDefinition(source))
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !built {
		t.Fatalf("changed source must rebuild")
	}
	if second.Ref == first.Ref {
		t.Fatalf("new fingerprint must produce a new tag")
	}
	if runner.callCount() != 2 {
		t.Fatalf("expected 2 docker invocations, got %d", runner.callCount())
	}
}

func TestBuildFailureCarriesLog(t *testing.T) {
	testlog.Start(t)
	source := writeSource(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	runner := &fakeRunner{
		exitCode: 1,
		stderr:   "ERROR: failed to solve: base image not found",
		err:      fmt.Errorf("exit status 1"),
	}
	builder, err := NewBuilder(BuilderConfig{WorkspaceRoot: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	_, _, err = builder.Build(context.Background(), testDefinition(source))
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if buildErr.AgentID != "worker" || buildErr.ExitCode != 1 {
		t.Fatalf("unexpected build error: %+v", buildErr)
	}
	if !strings.Contains(buildErr.Log, "base image not found") {
		t.Fatalf("build log not captured: %q", buildErr.Log)
	}
}

func TestBuildPassesTagFileAndArgs(t *testing.T) {
	testlog.Start(t)
	source := writeSource(t, map[string]string{"docker/Dockerfile": "FROM scratch\n"})
	runner := &fakeRunner{}
	builder, err := NewBuilder(BuilderConfig{WorkspaceRoot: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}

	def := registry.Definition{
		ID:     "worker",
		Source: source,
		Build: registry.BuildSpec{
			Dockerfile: "docker/Dockerfile",
			Context:    ".",
			Args:       map[string]string{"PYTHON_VERSION": "3.12"},
		},
	}
	img, _, err := builder.Build(context.Background(), def)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	call := strings.Join(runner.calls[0], " ")
	if !strings.Contains(call, "--tag "+img.Ref) {
		t.Fatalf("tag not passed: %s", call)
	}
	if !strings.Contains(call, "--build-arg PYTHON_VERSION=3.12") {
		t.Fatalf("build arg not passed: %s", call)
	}
	if !strings.HasPrefix(img.Ref, "coralctl/worker:") {
		t.Fatalf("unexpected ref %q", img.Ref)
	}
}
