// ABOUTME: TOML agent manifest describing the agents forge-hostd may spawn
// ABOUTME: Resolves named profiles into spawn descriptors for the registry

package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/forgelight/forge-host/internal/agent"
)

// Manifest maps profile names to agent definitions.
//
//	default = "claude"
//
//	[agents.claude]
//	command = "claude-code-acp"
//	args = ["--permission-mode", "default"]
//	env = ["ANTHROPIC_API_KEY=${ANTHROPIC_API_KEY}"]
type Manifest struct {
	Default string                `toml:"default"`
	Agents  map[string]AgentEntry `toml:"agents"`
}

// AgentEntry is one spawnable agent definition.
type AgentEntry struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
	Cwd     string   `toml:"cwd"`
}

// LoadManifest reads an agent manifest from the given path, expanding
// ${VAR} environment references.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var m Manifest
	if _, err := toml.Decode(expanded, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating manifest: %w", err)
	}

	return &m, nil
}

// Validate checks that the manifest names at least one agent and that every
// entry has a command. The default profile, if set, must exist.
func (m *Manifest) Validate() error {
	if len(m.Agents) == 0 {
		return fmt.Errorf("manifest defines no agents")
	}
	for name, entry := range m.Agents {
		if entry.Command == "" {
			return fmt.Errorf("agents.%s.command is required", name)
		}
	}
	if m.Default != "" {
		if _, ok := m.Agents[m.Default]; !ok {
			return fmt.Errorf("default profile %q is not defined", m.Default)
		}
	}
	return nil
}

// Resolve returns the spawn config for the named profile. An empty name
// selects the manifest default.
func (m *Manifest) Resolve(name string) (agent.AgentConfig, error) {
	if name == "" {
		name = m.Default
	}
	if name == "" {
		return agent.AgentConfig{}, fmt.Errorf("no profile named and no default set")
	}
	entry, ok := m.Agents[name]
	if !ok {
		return agent.AgentConfig{}, fmt.Errorf("unknown agent profile %q", name)
	}
	return agent.AgentConfig{
		Command: entry.Command,
		Args:    entry.Args,
		Env:     entry.Env,
		Cwd:     entry.Cwd,
	}, nil
}

// Profiles returns the defined profile names in sorted order.
func (m *Manifest) Profiles() []string {
	names := make([]string, 0, len(m.Agents))
	for name := range m.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
