package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeEventID computes a deterministic activity event_id using SHA256.
// Formula: SHA256(owner|strategy_id|operation|profile_revision|timestamp)
// strategy_id is empty for profile-level operations. Every committed operation
// advances profile_revision, so one (owner, revision) pair names one event.
// Returns hex-encoded hash (64 characters).
func ComputeEventID(
	owner string,
	strategyID *uint64,
	operation string,
	profileRevision uint64,
	timestamp int64,
) string {
	strategyStr := ""
	if strategyID != nil {
		strategyStr = fmt.Sprintf("%d", *strategyID)
	}

	data := fmt.Sprintf("%s|%s|%s|%d|%d",
		owner,
		strategyStr,
		operation,
		profileRevision,
		timestamp,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
