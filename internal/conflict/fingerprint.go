package conflict

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"

	"github.com/fieldops/rigtrack/internal/equipment"
)

// domainSnapshot is the domain prefix for snapshot fingerprints. The
// version suffix allows the algorithm to change without old prints
// colliding with new ones.
const domainSnapshot = "rigtrack/snapshot/v1"

// Fingerprint computes a stable identity for the conflict-relevant part
// of a snapshot: status, job binding, and location. Strings are NFC
// normalized first so visually identical input compares equal, and the
// fields are joined with null separators to keep boundaries unambiguous.
// The version marker is deliberately excluded; two snapshots with equal
// state but different markers are not in conflict.
func Fingerprint(s equipment.Snapshot) string {
	h := sha256.New()
	h.Write([]byte(domainSnapshot))
	for _, field := range []string{string(s.Status), s.JobID, s.LocationID} {
		h.Write([]byte{0x00})
		h.Write([]byte(norm.NFC.String(field)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
