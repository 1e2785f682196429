// Package cluster partitions the addresses observed in a trace into
// peripherals.
//
// A peripheral cluster is a set of addresses with pairwise neighbor
// distance no greater than a fixed epsilon, which is exactly DBSCAN
// density clustering with min_samples=1: since every point is then a core
// point, there are no noise labels and the clusters are simply the
// connected components of the epsilon-neighborhood graph over the sorted
// addresses.
package cluster

import "sort"

// Epsilon is the maximum gap between two addresses for them to belong to
// the same cluster. 0x100 covers the typical run of control/status/data
// registers belonging to one peripheral without merging adjacent, unrelated
// peripherals mapped a page apart.
const Epsilon = 0x100

// ID identifies a cluster within one call to Cluster. IDs are assigned in
// address order but carry no meaning across calls or across different
// traces -- callers must key off address membership, not the ID value.
type ID int

// Cluster partitions addrs into peripheral clusters. Because the
// underlying algorithm uses min_samples=1, every address is assigned to
// exactly one cluster: there is no notion of a noise/unclustered address.
func Cluster(addrs []uint32) map[ID][]uint32 {
	if len(addrs) == 0 {
		return map[ID][]uint32{}
	}

	seen := make(map[uint32]struct{}, len(addrs))
	sorted := make([]uint32, 0, len(addrs))

	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}

		seen[a] = struct{}{}
		sorted = append(sorted, a)
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	clusters := map[ID][]uint32{}

	id := ID(0)
	clusters[id] = append(clusters[id], sorted[0])

	for i := 1; i < len(sorted); i++ {
		gap := sorted[i] - sorted[i-1]
		if gap > Epsilon {
			id++
		}

		clusters[id] = append(clusters[id], sorted[i])
	}

	return clusters
}

// Of returns the cluster ID containing addr, and ok=false if addr is not a
// member of any cluster in clusters.
func Of(clusters map[ID][]uint32, addr uint32) (ID, bool) {
	for id, members := range clusters {
		for _, m := range members {
			if m == addr {
				return id, true
			}
		}
	}

	return 0, false
}

// Members returns a lookup set for the given cluster's addresses.
func Members(clusters map[ID][]uint32, id ID) map[uint32]struct{} {
	set := make(map[uint32]struct{}, len(clusters[id]))
	for _, a := range clusters[id] {
		set[a] = struct{}{}
	}

	return set
}
