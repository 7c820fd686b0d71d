// Package envcfg resolves agent configuration from prioritized sources.
package envcfg

import (
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Well-known configuration keys consumed by containerized agents.
const (
	KeyServerURL = "CORAL_SERVER_URL"
	// KeySSEURL is the event-stream URL agents subscribe to; deployed agents
	// read this key, so it is injected alongside the server URL.
	KeySSEURL      = "CORAL_SSE_URL"
	KeyAgentID     = "CORAL_AGENT_ID"
	KeyAPIKey      = "MODEL_API_KEY"
	KeyModelName   = "MODEL_NAME"
	KeyProvider    = "MODEL_PROVIDER"
	KeyTemperature = "MODEL_TEMPERATURE"
	KeyMaxTokens   = "MODEL_MAX_TOKENS"
	KeyBaseURL     = "MODEL_BASE_URL"
	KeyTimeoutMS   = "TIMEOUT_MS"
)

// Mandatory returns the baseline keys every agent needs before startup.
func Mandatory() []string {
	return []string{KeyServerURL, KeyAgentID, KeyAPIKey}
}

// Optional returns the well-known keys that pass through to agents when
// present but never block startup.
func Optional() []string {
	return []string{KeySSEURL, KeyModelName, KeyProvider, KeyTemperature, KeyMaxTokens, KeyBaseURL, KeyTimeoutMS}
}

// MissingKeysError reports every unresolved key at once.
type MissingKeysError struct {
	Keys []string
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("envcfg: missing required keys: %s", strings.Join(e.Keys, ", "))
}

// Source is one prioritized configuration provider.
type Source interface {
	Lookup(key string) (string, bool)
	Name() string
}

type mapSource struct {
	name   string
	values map[string]string
}

func (s mapSource) Lookup(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s mapSource) Name() string {
	return s.name
}

// Overrides wraps explicit per-agent values as the highest-priority source.
func Overrides(values map[string]string) Source {
	out := make(map[string]string, len(values))
	maps.Copy(out, values)
	return mapSource{name: "overrides", values: out}
}

// EnvFile loads a dotenv file as a source. A missing file is not an error;
// it resolves nothing, matching how optional .env sidecars behave.
func EnvFile(path string) (Source, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mapSource{name: "envfile:" + path}, nil
		}
		return nil, fmt.Errorf("envcfg: read env file (%s): %w", path, err)
	}
	return mapSource{name: "envfile:" + path, values: values}, nil
}

type processSource struct{}

func (processSource) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (processSource) Name() string {
	return "process"
}

// ProcessEnv exposes the controller's own environment as the lowest-priority source.
func ProcessEnv() Source {
	return processSource{}
}

// Resolve returns one value per required key, consulting sources in order.
// Empty values count as unset. On failure the error carries the complete
// missing set so a single correction pass suffices.
func Resolve(required []string, sources ...Source) (map[string]string, error) {
	resolved := make(map[string]string, len(required))
	var missing []string
	for _, key := range dedupe(required) {
		value, ok := lookup(key, sources)
		if !ok {
			missing = append(missing, key)
			continue
		}
		resolved[key] = value
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingKeysError{Keys: missing}
	}
	return resolved, nil
}

// Lookup returns the first non-empty value for key, consulting sources in order.
func Lookup(key string, sources ...Source) (string, bool) {
	return lookup(key, sources)
}

func lookup(key string, sources []Source) (string, bool) {
	for _, src := range sources {
		if src == nil {
			continue
		}
		if v, ok := src.Lookup(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, raw := range keys {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
