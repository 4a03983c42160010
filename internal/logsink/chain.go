package logsink

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// genesisHash seeds the chain before any row has completed.
const genesisHash = "sha256:genesis"

// computeHash hashes a completed row's identifying fields together
// with the previous entry's hash, so tampering with any completed row
// breaks every hash after it.
func computeHash(prevHash string, seq uint64, clientID string, statusCode *int, success bool) string {
	h := sha256.New()
	code := 0
	if statusCode != nil {
		code = *statusCode
	}
	fmt.Fprintf(h, "%s|%d|%s|%d|%t", prevHash, seq, clientID, code, success)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
