package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// contentHashLen is the number of hex characters kept from the digest
const contentHashLen = 16

// ContentHash computes the idempotency hash for a memory:
// sha256(role + ":" + trim(content) + "|" + projectPath) truncated to 16 hex
// characters. Role is significant and case is preserved; two roles with the
// same content hash differently.
func ContentHash(role, content, projectPath string) string {
	payload := role + ":" + strings.TrimSpace(content) + "|" + projectPath
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:contentHashLen]
}
