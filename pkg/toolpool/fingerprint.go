package toolpool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// FingerprintUnknown is the sentinel fingerprint carried by a pool that has
// never reconciled, has been shut down, or whose last rebuild failed in a way
// that left its bookkeeping untrustworthy. It never equals the fingerprint of
// any spec list, including the empty one, so a subsequent EnsureReady always
// performs a real reconciliation.
const FingerprintUnknown = ""

// Fingerprint computes a stable, order-independent signature of a server spec
// list. Two lists share a fingerprint exactly when reconnecting would be
// observably pointless: the set of names is identical and no server's
// identity-relevant configuration (kind, command and args, url, non-empty
// env) changed. Spec order never affects the result; the list is sorted by
// name before serialization.
func Fingerprint(specs []ServerSpec) string {
	records := make([]identityRecord, 0, len(specs))
	for _, spec := range specs {
		if spec == nil {
			continue
		}
		records = append(records, spec.identity())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	// identityRecord contains only strings, slices, and string maps, all of
	// which encoding/json serializes deterministically.
	data, err := json.Marshal(records)
	if err != nil {
		return FingerprintUnknown
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
