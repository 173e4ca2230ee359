// Package identity derives the per-node values that tie a remote webhook
// subscription to one (workflow, node) pair.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// SecretHeader carries the shared secret on subscriptions and inbound calls.
const SecretHeader = "X-JoAi-Secret-Token"

const secretBytes = 32

// SecretToken returns the derived shared secret for a node. It is
// deterministic and carries no entropy; anyone who knows both ids can forge
// it. Triggers that need an unguessable value use GenerateSecret instead.
func SecretToken(workflowID, nodeID string) string {
	return "joai_" + workflowID + "_" + nodeID
}

// Fingerprint returns a stable hex key for a (workflow, node) pair. The
// separator byte keeps ("a_b","c") and ("a","b_c") distinct.
func Fingerprint(workflowID, nodeID string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(workflowID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(nodeID))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// GenerateSecret returns a random secret suitable for the secret header.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "joai_" + hex.EncodeToString(b), nil
}
