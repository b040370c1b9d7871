package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// AlertID derives a deterministic alert identifier from the alert type, user,
// medication and a per-condition discriminator (recall number, reaction term,
// paired medication, condition or allergen). The same underlying condition
// always produces the same ID, so repeated check cycles cannot duplicate an
// alert the store already holds.
//
// If the upstream source revises the identifying field between polls (a recall
// number change, a reworded reaction term), the condition regenerates under a
// new ID. That duplicate window is inherited behavior, documented rather than
// papered over with a weaker key.
func AlertID(t AlertType, userID, medication, discriminator string) string {
	parts := []string{
		string(t),
		strings.ToLower(strings.TrimSpace(userID)),
		strings.ToLower(strings.TrimSpace(medication)),
		strings.ToLower(strings.TrimSpace(discriminator)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
