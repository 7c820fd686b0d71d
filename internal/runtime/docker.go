// Package runtime starts and tracks agent containers through the Docker CLI.
//
// Ownership boundary:
// - container start/wait/stop/remove operations
//
// - start-failure reporting distinct from runtime crashes
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reefline/coralctl/internal/tools"
)

var ErrEmptyContainerID = errors.New("runtime: engine returned empty container id")

// StartError reports a container that never reached a running state.
type StartError struct {
	AgentID string
	Log     string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("runtime: start failed agent=%q", e.AgentID)
}

// Handle references one running container. Releasing it (stop+remove) is the
// supervisor's responsibility on every exit path.
type Handle struct {
	AgentID     string
	ContainerID string
}

// ContainerSpec describes one agent container launch.
type ContainerSpec struct {
	AgentID  string
	Name     string
	ImageRef string
	Env      map[string]string
	Ports    []string
	// MountDockerSocket bind-mounts the host engine socket into the agent,
	// for agents that manage sibling containers.
	MountDockerSocket bool
}

// ContainerRuntime is the engine boundary the supervisor drives.
type ContainerRuntime interface {
	Start(ctx context.Context, spec ContainerSpec) (Handle, error)
	Wait(ctx context.Context, handle Handle) (int32, error)
	Stop(ctx context.Context, handle Handle, timeout time.Duration) error
	Remove(ctx context.Context, handle Handle) error
}

// DockerRuntime drives a Docker engine through its CLI, local or remote
// depending on the configured runner.
type DockerRuntime struct {
	runner tools.CommandRunner
}

func NewDockerRuntime(runner tools.CommandRunner) *DockerRuntime {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &DockerRuntime{runner: runner}
}

func (r *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (Handle, error) {
	args := []string{"run", "--detach", "--name", spec.Name}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "--env", fmt.Sprintf("%s=%s", key, spec.Env[key]))
	}
	for _, port := range spec.Ports {
		args = append(args, "--publish", port)
	}
	if spec.MountDockerSocket {
		args = append(args, "--volume", "/var/run/docker.sock:/var/run/docker.sock")
	}
	args = append(args, spec.ImageRef)

	stdout, stderr, _, err := r.runner.Run(ctx, "docker", args...)
	if err != nil {
		if ctx.Err() != nil {
			return Handle{}, ctx.Err()
		}
		return Handle{}, &StartError{
			AgentID: spec.AgentID,
			Log:     strings.TrimSpace(string(stdout) + "\n" + string(stderr)),
		}
	}

	containerID := strings.TrimSpace(string(stdout))
	if containerID == "" {
		return Handle{}, ErrEmptyContainerID
	}
	return Handle{AgentID: spec.AgentID, ContainerID: containerID}, nil
}

// Wait blocks until the container exits and returns its exit code.
func (r *DockerRuntime) Wait(ctx context.Context, handle Handle) (int32, error) {
	stdout, stderr, _, err := r.runner.Run(ctx, "docker", "wait", handle.ContainerID)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("runtime: wait failed container=%s: %s", handle.ContainerID, strings.TrimSpace(string(stderr)))
	}
	code, err := strconv.ParseInt(strings.TrimSpace(string(stdout)), 10, 32)
	if err != nil {
		return -1, fmt.Errorf("runtime: unparsable wait output container=%s: %q", handle.ContainerID, strings.TrimSpace(string(stdout)))
	}
	return int32(code), nil
}

func (r *DockerRuntime) Stop(ctx context.Context, handle Handle, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	_, stderr, _, err := r.runner.Run(ctx, "docker", "stop", "--time", strconv.Itoa(seconds), handle.ContainerID)
	if err != nil {
		return fmt.Errorf("runtime: stop failed container=%s: %s", handle.ContainerID, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (r *DockerRuntime) Remove(ctx context.Context, handle Handle) error {
	_, stderr, _, err := r.runner.Run(ctx, "docker", "rm", "--force", handle.ContainerID)
	if err != nil {
		return fmt.Errorf("runtime: remove failed container=%s: %s", handle.ContainerID, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func sortedKeys(in map[string]string) []string {
	out := make([]string, 0, len(in))
	for key := range in {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
