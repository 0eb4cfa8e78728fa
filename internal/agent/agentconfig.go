// ABOUTME: Immutable spawn descriptor for an agent subprocess.
// ABOUTME: Provides the cache fingerprint derived from command and args only.

package agent

import (
	"crypto/sha256"
	"encoding/hex"
)

// AgentConfig describes how to spawn one agent subprocess. It is treated as
// immutable after construction.
type AgentConfig struct {
	// Command is the executable to run. Resolved via PATH if not absolute.
	Command string
	// Args are passed verbatim to the process.
	Args []string
	// Env entries (KEY=VALUE) are appended to the host environment.
	Env []string
	// Cwd is the working directory for the process. Empty means inherit.
	Cwd string
}

// Fingerprint derives the session-cache key for this config. Only command and
// args participate: two configs differing in env or cwd share one cached
// process. Callers whose identity is env-derived must not share a registry
// cache.
func (c AgentConfig) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Command))
	for _, arg := range c.Args {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}
	return hex.EncodeToString(h.Sum(nil))
}
