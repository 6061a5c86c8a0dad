package protocol

import (
	"encoding/json"
	"math"
	"time"
)

// InvokeRequest is the payload of an Invoke frame.
type InvokeRequest struct {
	Service    string            `json:"service"`
	Method     string            `json:"method"`
	Parameters []json.RawMessage `json:"parameters,omitempty"`
	// LockKeys are acquired for the frame's transaction before the method runs.
	LockKeys      []string `json:"lockKeys,omitempty"`
	LockTimeoutMs int64    `json:"lockTimeoutMs,omitempty"`
}

// LockTimeout returns the requested lock wait, def when none was requested. The result is capped at max unless max
// is 0.
func (r *InvokeRequest) LockTimeout(def, max time.Duration) time.Duration {
	wait := def
	if r.LockTimeoutMs > 0 {
		if r.LockTimeoutMs > int64(math.MaxInt64/time.Millisecond) {
			wait = math.MaxInt64
		} else {
			wait = time.Duration(r.LockTimeoutMs) * time.Millisecond
		}
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

// UnlockKeyRequest is the payload of an UnlockKeyAnyway frame.
type UnlockKeyRequest struct {
	Key string `json:"key"`
}

// UnlockKeyResult answers UnlockKeyAnyway.
type UnlockKeyResult struct {
	Released bool `json:"released"`
}

// LockedKey is one entry of the GetAllLockedKeys answer.
type LockedKey struct {
	Key        string    `json:"key"`
	TxnID      string    `json:"txnId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// FinalizeResult answers Commit and Rollback.
type FinalizeResult struct {
	TxnID string `json:"txnId"`
	Found bool   `json:"found"`
}

// HealthStatus answers HealthCheck.
type HealthStatus struct {
	HostID            string `json:"hostId"`
	ClientConnected   int64  `json:"clientConnected"`
	OpenTxns          int    `json:"openTxns"`
	LockedKeys        int    `json:"lockedKeys"`
	ConnectedGateways int    `json:"connectedGateways"`
}

// MethodInfo advertises one method of a service.
type MethodInfo struct {
	Name    string   `json:"name"`
	Params  []string `json:"params,omitempty"`
	Returns string   `json:"returns,omitempty"`
}

// ServiceInfo advertises one service of a host.
type ServiceInfo struct {
	Name    string       `json:"name"`
	Enabled bool         `json:"enabled"`
	Methods []MethodInfo `json:"methods"`
}

// RegisterHostRequest is the first frame a host sends on a gateway connection. The service list follows in an
// UpdateServices frame once the gateway accepted the host.
type RegisterHostRequest struct {
	HostID   string `json:"hostId"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Version  string `json:"version"`
	IsMaster bool   `json:"isMaster"`
}

// RegisterHostReply answers RegisterHost.
type RegisterHostReply struct {
	GatewayVersion string `json:"gatewayVersion"`
}

// UpdateServicesRequest replaces the whole service list a gateway knows for a host.
type UpdateServicesRequest struct {
	HostID   string        `json:"hostId"`
	Services []ServiceInfo `json:"services"`
}

// HeartbeatRequest reports the load of a host.
type HeartbeatRequest struct {
	HostID          string  `json:"hostId"`
	ClientConnected int64   `json:"clientConnected"`
	CPUUsage        float64 `json:"cpuUsage"`
	MemoryUsage     float64 `json:"memoryUsage"`
}
