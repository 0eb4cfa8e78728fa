// Package config handles configuration loading for forge-hostd.
//
// # Overview
//
// Two files drive the daemon: a YAML daemon config and a TOML agent
// manifest. Both support ${VAR} environment variable expansion and are
// validated at load time.
//
// # Daemon Configuration
//
// Default locations (in order):
//
//  1. Path from FORGE_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/forge/hostd.yaml
//
// Durations are written as Go duration strings:
//
//	agents:
//	  manifest_path: "./agents.toml"
//	  stale_session_timeout: "5m"
//	  sweep_interval: "30s"
//
// # Agent Manifest
//
// The manifest names the agents the daemon may spawn, one profile per
// [agents.NAME] table, with an optional default:
//
//	default = "claude"
//
//	[agents.claude]
//	command = "claude-code-acp"
//	env = ["ANTHROPIC_API_KEY=${ANTHROPIC_API_KEY}"]
//
// Resolve turns a profile name into the spawn descriptor the registry
// consumes.
package config
