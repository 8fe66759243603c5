package engine

import (
	"time"

	"signal-engine/internal/balance"
	"signal-engine/internal/coordinator"
	"signal-engine/internal/monitor"
	"signal-engine/internal/strategy"
)

// StartRequest describes a session to boot. An empty Mode falls back to
// the configured default; empty Strategies falls back to the strategy
// config file entries whose symbols the session covers.
type StartRequest struct {
	Mode       string                    `json:"mode"`
	Symbols    []string                  `json:"symbols"`
	Strategies []strategy.InstanceConfig `json:"strategies,omitempty"`
}

// SessionStatus is the operator view of one session.
type SessionStatus struct {
	ID             string            `json:"id"`
	Mode           string            `json:"mode"`
	State          string            `json:"state"`
	Symbols        []string          `json:"symbols"`
	CreatedAt      time.Time         `json:"created_at"`
	LastTransition time.Time         `json:"last_transition"`
	Instances      []strategy.Status `json:"instances"`
}

// SystemStatus aggregates engine-wide telemetry for the status API.
type SystemStatus struct {
	EngineID   string    `json:"engine_id"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"started_at"`
	ServerTime time.Time `json:"server_time"`
	UptimeSec  int64     `json:"uptime_sec"`

	Sessions  int `json:"sessions"`
	Running   int `json:"running_sessions"`
	Instances int `json:"strategy_instances"`

	Resources coordinator.Snapshot `json:"resources"`
	Metrics   monitor.Snapshot     `json:"metrics"`
	Balance   balance.Snapshot     `json:"balance"`
}
