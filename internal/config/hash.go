package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the effective config so repeated write events
// for one save publish once. It returns 0 when cfg cannot be encoded.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
