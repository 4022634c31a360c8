package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeHash computes the SHA-256 hash for an entry, chaining to the
// previous hash.
func ComputeHash(e *Entry) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		e.ID,
		e.SessionID,
		e.Kind,
		e.Severity,
		e.Reason,
		e.Action,
		e.From,
		e.To,
		string(e.Fields),
		e.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeSessionSeed computes the prev_hash of a session's first entry.
func ComputeSessionSeed(sessionID string) string {
	hash := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks a session's entries, oldest first, and checks every
// hash and link. It returns (true, -1) for an intact chain, otherwise false
// and the index of the first bad entry.
func VerifyChain(entries []*Entry) (bool, int) {
	for i, e := range entries {
		if e.Hash != ComputeHash(e) {
			return false, i
		}
		if i == 0 && e.PrevHash != ComputeSessionSeed(e.SessionID) {
			return false, i
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
