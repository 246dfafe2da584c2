package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"sibyl/internal/fault"
)

// Snapshot is the immutable form a conversation pins at creation: canonical
// JSON plus a content-derived version. Two configs with identical content
// always produce the same version.
type Snapshot struct {
	Version string
	JSON    string
}

// Snapshot freezes the config. Go's JSON encoder emits map keys sorted and
// struct fields in declaration order, so the encoding is canonical for a
// given build.
func (c *Config) Snapshot() (Snapshot, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return Snapshot{}, fault.Wrap(fault.KindConfiguration, "config.snapshot", err)
	}
	sum := sha256.Sum256(data)
	return Snapshot{
		Version: "cfg-" + hex.EncodeToString(sum[:6]),
		JSON:    string(data),
	}, nil
}
