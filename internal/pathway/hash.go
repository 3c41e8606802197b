package pathway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentHash fingerprints the structure of a step list. Any change to order,
// code, pool, duration, offset or flags yields a different hash.
func ContentHash(steps []Step) string {
	// Step marshals deterministically: fixed field order, no maps.
	payload, err := json.Marshal(steps)
	if err != nil {
		// Step holds only plain scalar fields.
		panic("pathway: marshal steps: " + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
