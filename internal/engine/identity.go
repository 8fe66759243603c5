package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/denisbrodbeck/machineid"
)

// EngineID returns a stable identifier for this engine instance,
// derived from the host machine so restarts keep the same identity.
// Hosts without a readable machine id fall back to a hostname hash.
func EngineID() string {
	if id, err := machineid.ProtectedID("signal-engine"); err == nil && id != "" {
		return shorten(id)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	sum := sha256.Sum256([]byte(host))
	return shorten(hex.EncodeToString(sum[:]))
}

func shorten(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
