// Package nodeagent implements the node agent that runs on every enrolled
// compute node: one-time enrollment, mTLS certificate renewal, heartbeat
// reporting, and command poll/execute/result-submit against the control
// plane's REST surface.
package nodeagent

import (
	"os"
	"strconv"
	"time"
)

// Config holds agent runtime configuration, loaded once from the
// environment at process start.
type Config struct {
	ServerAddr    string // https://host:port of the control plane's node-facing listener
	EnrollToken   string // one-time enrollment token; empty once enrolled
	NodeName      string
	Platform      string // "linux" or "windows"
	DataDir       string // credstore root: agent cert/key/CA material
	CACertPath    string // bootstrap trust anchor, distributed out of band with the enroll token
	Version       string

	HeartbeatInterval time.Duration
	CommandPollInterval time.Duration
	RenewalThresholdDays int
	LogJSON bool
}

// Load reads agent configuration from the environment.
func Load() Config {
	return Config{
		ServerAddr:           envStr("FLEET_AGENT_SERVER_ADDR", "https://localhost:8443"),
		EnrollToken:          envStr("FLEET_AGENT_ENROLL_TOKEN", ""),
		NodeName:             envStr("FLEET_AGENT_NODE_NAME", hostnameOrDefault()),
		Platform:             envStr("FLEET_AGENT_PLATFORM", "linux"),
		DataDir:              envStr("FLEET_AGENT_DATA_DIR", "./data/agent"),
		CACertPath:           envStr("FLEET_AGENT_CA_CERT", ""),
		Version:              envStr("FLEET_AGENT_VERSION", "dev"),
		HeartbeatInterval:    envDuration("FLEET_AGENT_HEARTBEAT_INTERVAL", 30*time.Second),
		CommandPollInterval:  envDuration("FLEET_AGENT_COMMAND_POLL_INTERVAL", 5*time.Second),
		RenewalThresholdDays: envInt("FLEET_AGENT_RENEWAL_THRESHOLD_DAYS", 7),
		LogJSON:              envBool("FLEET_AGENT_LOG_JSON", true),
	}
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

func hostnameOrDefault() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unnamed-node"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
