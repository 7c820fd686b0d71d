package registry

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/BurntSushi/toml"
)

var (
	ErrParse      = errors.New("registry: parse failed")
	ErrValidation = errors.New("registry: invalid definition")
)

// BuildSpec points at the buildable artifact for one agent definition.
type BuildSpec struct {
	Dockerfile string            `toml:"dockerfile"`
	Context    string            `toml:"context"`
	Args       map[string]string `toml:"args"`
}

// Definition is one declarative agent entry. Immutable once loaded.
type Definition struct {
	ID          string            `toml:"id"`
	Description string            `toml:"description"`
	Source      string            `toml:"source"`
	Endpoint    string            `toml:"endpoint"`
	Build       BuildSpec         `toml:"build"`
	RequiredEnv []string          `toml:"required_env"`
	Env         map[string]string `toml:"env"`
	// MountDockerSocket bind-mounts the host engine socket into the agent
	// container, for agents that manage sibling containers.
	MountDockerSocket bool `toml:"mount_docker_socket"`
}

type registryFile struct {
	Agents []Definition `toml:"agent"`
}

// Load reads a registry file and returns definitions in declaration order.
func Load(path string) ([]Definition, error) {
	var raw registryFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrParse, path, err)
	}
	return validate(raw.Agents)
}

func validate(defs []Definition) ([]Definition, error) {
	seen := make(map[string]struct{}, len(defs))
	out := make([]Definition, 0, len(defs))
	for i, def := range defs {
		def.ID = strings.TrimSpace(def.ID)
		def.Source = strings.TrimSpace(def.Source)
		if def.ID == "" {
			return nil, fmt.Errorf("%w: agent[%d] missing id", ErrValidation, i)
		}
		if !isValidID(def.ID) {
			return nil, fmt.Errorf("%w: agent[%d] invalid id format %q", ErrValidation, i, def.ID)
		}
		if _, ok := seen[def.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate agent id %q", ErrValidation, def.ID)
		}
		seen[def.ID] = struct{}{}
		if def.Source == "" {
			return nil, fmt.Errorf("%w: agent %q missing source", ErrValidation, def.ID)
		}
		if strings.TrimSpace(def.Build.Dockerfile) == "" {
			return nil, fmt.Errorf("%w: agent %q missing build.dockerfile", ErrValidation, def.ID)
		}
		if strings.TrimSpace(def.Build.Context) == "" {
			def.Build.Context = "."
		}
		def.RequiredEnv = normalizeKeys(def.RequiredEnv)
		def.Env = cloneEnv(def.Env)
		out = append(out, def)
	}
	return out, nil
}

func normalizeKeys(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		out = append(out, key)
	}
	return out
}

func cloneEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	maps.Copy(out, in)
	return out
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
