package attest

import (
	"fmt"
	"sort"
	"time"

	"capaudit/internal/capability"
	"capaudit/internal/graph"
)

// Override records an attestation that replaced a node's intrinsic set.
type Override struct {
	Package  string
	Signer   string
	IssuedAt time.Time
	Previous capability.Set
	Caps     capability.Set
}

// Rejection records an attestation that failed verification. The node it
// named keeps its computed intrinsic set.
type Rejection struct {
	Package  string
	Signer   string
	IssuedAt time.Time
	Err      error
}

// Apply verifies attestations against the keyring and the artifact hashes
// of this run (keyed by identity key) and, per node, replaces the intrinsic
// set with the claim of the newest valid attestation. Every invalid
// attestation is returned as a rejection, whether or not a valid one
// exists. Attestations for packages outside nodes are ignored.
//
// Apply mutates nodes and must run once, before propagation.
func Apply(nodes []*graph.Node, atts []Attestation, kr *Keyring, hashes map[string]string) ([]Override, []Rejection) {
	byKey := make(map[string][]Attestation)
	for _, a := range atts {
		key := a.Package.Key()
		byKey[key] = append(byKey[key], a)
	}

	var (
		overrides  []Override
		rejections []Rejection
	)
	for _, n := range nodes {
		candidates := byKey[n.Key()]
		if len(candidates) == 0 {
			continue
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].IssuedAt.After(candidates[j].IssuedAt)
		})

		var winner *Attestation
		for i := range candidates {
			a := &candidates[i]
			if err := Verify(*a, kr, hashes[n.Key()]); err != nil {
				rejections = append(rejections, Rejection{
					Package:  n.Key(),
					Signer:   a.Signer,
					IssuedAt: a.IssuedAt,
					Err:      err,
				})
				continue
			}
			if winner == nil {
				winner = a
			}
		}
		if winner == nil {
			continue
		}
		overrides = append(overrides, Override{
			Package:  n.Key(),
			Signer:   winner.Signer,
			IssuedAt: winner.IssuedAt,
			Previous: n.Intrinsic,
			Caps:     winner.Caps,
		})
		n.SetIntrinsic(winner.Caps, fmt.Sprintf("attested unrestricted by %s", winner.Signer))
	}
	return overrides, rejections
}
