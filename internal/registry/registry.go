// Package registry loads the agent/capability registry and resolves
// required capabilities to pinned providers, with explicit ambiguous
// and unresolved error paths. The registry is a YAML file, optionally
// hot-reloaded when it changes on disk.
package registry

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/sintraprime/ger/internal/gerr"
)

// Agent describes one registry entry.
type Agent struct {
	Name         string   `yaml:"name" json:"name"`
	Version      string   `yaml:"version" json:"version"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	Summary      string   `yaml:"summary,omitempty" json:"summary,omitempty"`
	Examples     []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

type file struct {
	Agents []Agent `yaml:"agents"`
}

// Registry resolves capabilities to providers and pins versions.
type Registry struct {
	mu     sync.RWMutex
	agents []Agent
	path   string
	watcher *fsnotify.Watcher
}

// Load reads the registry from a YAML file at path.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.agents = f.Agents
	r.mu.Unlock()
	return nil
}

// WatchForChanges hot-reloads the registry file when it changes on
// disk, so operators editing registry.yaml need not restart the
// runtime. errs receives background reload failures; it may be nil.
func (r *Registry) WatchForChanges(errs chan<- error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: new watcher: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		w.Close()
		return fmt.Errorf("registry: watch %s: %w", r.path, err)
	}
	r.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := r.reload(); err != nil && errs != nil {
						errs <- err
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if errs != nil {
					errs <- err
				}
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// providersFor returns the agents providing capability.
func (r *Registry) providersFor(capability string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.agents {
		for _, c := range a.Capabilities {
			if c == capability {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// Find returns the registry entry for an agent name, if present.
func (r *Registry) Find(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// Resolved pins a capability to exactly one provider agent/version.
type Resolved struct {
	Capability string
	Agent      string
	Version    string
}

// Resolve resolves requiredCapabilities to pinned providers, checking
// agent_versions pins against the registry's recorded version via
// semantic-version comparison (golang.org/x/mod/semver). allowMismatch
// corresponds to ALLOW_AGENT_VERSION_MISMATCH.
func (r *Registry) Resolve(requiredCapabilities []string, agentVersions map[string]string, allowMismatch bool) ([]Resolved, error) {
	var out []Resolved
	for _, cap := range requiredCapabilities {
		providers := r.providersFor(cap)
		switch len(providers) {
		case 0:
			return nil, gerr.New(gerr.PolicyCapabilityUnresolved,
				fmt.Sprintf("no agent provides capability %q", cap))
		case 1:
			agent := providers[0]
			if pinned, ok := agentVersions[agent.Name]; ok && !allowMismatch {
				if !versionsEqual(pinned, agent.Version) {
					return nil, gerr.New(gerr.PolicyAgentVersionMismatch,
						fmt.Sprintf("agent %s pinned to %s but registry has %s", agent.Name, pinned, agent.Version))
				}
			}
			out = append(out, Resolved{Capability: cap, Agent: agent.Name, Version: agent.Version})
		default:
			return nil, gerr.New(gerr.PolicyCapabilityAmbiguous,
				fmt.Sprintf("%d agents provide capability %q", len(providers), cap))
		}
	}
	return out, nil
}

// versionsEqual compares two version strings semantically when both
// are valid semver (tolerating a missing leading "v"); otherwise it
// falls back to exact string equality.
func versionsEqual(a, b string) bool {
	va, vb := canonicalSemver(a), canonicalSemver(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb) == 0
	}
	return a == b
}

func canonicalSemver(v string) string {
	if len(v) == 0 || v[0] != 'v' {
		return "v" + v
	}
	return v
}
