// Package image builds runnable agent container images.
//
// Ownership boundary:
// - source tree fingerprinting
//
// - docker build execution and build-failure reporting
//
// - built-image cache keyed by fingerprint
package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefline/coralctl/internal/observability"
	"github.com/reefline/coralctl/internal/registry"
	"github.com/reefline/coralctl/internal/tools"
)

var (
	ErrSourceMissing = errors.New("image: source path missing")
	ErrUnsafeSource  = errors.New("image: unsafe source tree")
)

// BuildError reports a nonzero docker build exit. Build failures are
// surfaced, never retried: they need a source fix, not a retry.
type BuildError struct {
	AgentID  string
	ExitCode int32
	Log      string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("image: build failed agent=%q exit=%d", e.AgentID, e.ExitCode)
}

// Image is a built artifact reference plus the content fingerprint it was
// built from.
type Image struct {
	Ref         string
	Fingerprint string
}

// BuilderConfig configures image build execution.
type BuilderConfig struct {
	// WorkspaceRoot anchors relative definition source paths.
	WorkspaceRoot string
	// TagPrefix namespaces produced image tags. Defaults to "coralctl".
	TagPrefix string
	Runner    tools.CommandRunner
}

// Builder produces container images from agent definitions, skipping
// rebuilds when the source fingerprint is unchanged.
type Builder struct {
	workspaceRoot string
	tagPrefix     string
	runner        tools.CommandRunner

	mu    sync.Mutex
	built map[string]Image
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	workspaceRoot := strings.TrimSpace(cfg.WorkspaceRoot)
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workspaceRoot = wd
	}
	workspaceAbs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, err
	}

	tagPrefix := strings.TrimSpace(cfg.TagPrefix)
	if tagPrefix == "" {
		tagPrefix = "coralctl"
	}

	runner := cfg.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}

	return &Builder{
		workspaceRoot: workspaceAbs,
		tagPrefix:     tagPrefix,
		runner:        runner,
		built:         make(map[string]Image),
	}, nil
}

// Build constructs the image for one definition. The second return reports
// whether a docker build actually ran; a fingerprint hit returns the cached
// image without touching the engine.
func (b *Builder) Build(ctx context.Context, def registry.Definition) (Image, bool, error) {
	source := def.Source
	if !filepath.IsAbs(source) {
		source = filepath.Join(b.workspaceRoot, source)
	}

	fingerprint, err := Fingerprint(source)
	if err != nil {
		return Image{}, false, fmt.Errorf("agent %q: %w", def.ID, err)
	}

	b.mu.Lock()
	cached, ok := b.built[def.ID]
	b.mu.Unlock()
	if ok && cached.Fingerprint == fingerprint {
		log.Debug().Str("agent", def.ID).Str("ref", cached.Ref).Msg("image build skipped, fingerprint unchanged")
		return cached, false, nil
	}

	img := Image{
		Ref:         fmt.Sprintf("%s/%s:%s", b.tagPrefix, def.ID, fingerprint[:12]),
		Fingerprint: fingerprint,
	}

	start := time.Now()
	if err := b.dockerBuild(ctx, def, source, img.Ref); err != nil {
		observability.RecordImageBuild(def.ID, time.Since(start), false)
		return Image{}, false, err
	}
	observability.RecordImageBuild(def.ID, time.Since(start), true)

	b.mu.Lock()
	b.built[def.ID] = img
	b.mu.Unlock()

	log.Info().
		Str("agent", def.ID).
		Str("ref", img.Ref).
		Dur("duration", time.Since(start)).
		Msg("image built")
	return img, true, nil
}

func (b *Builder) dockerBuild(ctx context.Context, def registry.Definition, source string, ref string) error {
	buildContext := def.Build.Context
	if !filepath.IsAbs(buildContext) {
		buildContext = filepath.Join(source, buildContext)
	}
	dockerfile := def.Build.Dockerfile
	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(source, dockerfile)
	}

	args := []string{"build", "--tag", ref, "--file", dockerfile}
	for _, key := range sortedKeys(def.Build.Args) {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", key, def.Build.Args[key]))
	}
	args = append(args, buildContext)

	stdout, stderr, exitCode, err := b.runner.Run(ctx, "docker", args...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &BuildError{
		AgentID:  def.ID,
		ExitCode: exitCode,
		Log:      strings.TrimSpace(string(stdout) + "\n" + string(stderr)),
	}
}

func sortedKeys(in map[string]string) []string {
	out := make([]string, 0, len(in))
	for key := range in {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
