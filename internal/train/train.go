// Package train orchestrates the training path: cluster analysis (C2),
// interrupt inference (C3), and per-peripheral model fitting (C5/C4) over
// one trace, producing the set of peripheral.Model values a model file
// persists.
//
// Grounded on the reference implementation's top-level training driver
// (pretender/train.py's build-clusters-then-build-peripherals sequence),
// kept here as its own package rather than folded into cmd/pretender so
// it can be exercised by tests without going through the CLI.
package train

import (
	"github.com/go-pretender/pretender/internal/cluster"
	"github.com/go-pretender/pretender/internal/inference"
	"github.com/go-pretender/pretender/internal/log"
	"github.com/go-pretender/pretender/internal/peripheral"
	"github.com/go-pretender/pretender/internal/trace"
)

// Result is everything the training path produced from one trace: the
// trained peripheral models and the interrupt associations inference
// discovered, kept separate so callers (the train subcommand logs each
// association) can report on association quality without re-running
// inference.
type Result struct {
	Models       []*peripheral.Model
	Associations map[uint32]inference.Association
}

// Train runs the full C2 -> C3 -> C5/C4 pipeline over records.
func Train(records []trace.Record) (Result, error) {
	return TrainWithLogger(records, log.DefaultLogger())
}

// TrainWithLogger is Train with an explicit logger.
func TrainWithLogger(records []trace.Record, logger *log.Logger) (Result, error) {
	addrs := mmioAddresses(records)
	clusters := cluster.Cluster(addrs)

	associations, err := inference.InferWithLogger(records, clusters, logger)
	if err != nil {
		return Result{}, err
	}

	byCluster := make(map[cluster.ID]inference.Association, len(associations))
	for _, a := range associations {
		byCluster[a.Cluster] = a
	}

	models := make([]*peripheral.Model, 0, len(clusters))

	for id, members := range clusters {
		m := peripheral.NewWithLogger(members, logger)
		m.Train(records)

		if assoc, ok := byCluster[id]; ok {
			m.SetIRQ(assoc.IRQ, assoc.Trigger, assoc.Timings, assoc.Oneshot)
		}

		m.Collapse()

		models = append(models, m)
	}

	return Result{Models: models, Associations: associations}, nil
}

// mmioAddresses collects the distinct addresses accessed by READ or WRITE
// records, the population the cluster analyzer partitions. ENTER/EXIT
// records carry an interrupt number in Addr, not an MMIO address, and are
// excluded.
func mmioAddresses(records []trace.Record) []uint32 {
	seen := map[uint32]struct{}{}

	var addrs []uint32

	for _, r := range records {
		if r.Kind != trace.READ && r.Kind != trace.WRITE {
			continue
		}

		if _, ok := seen[r.Addr]; ok {
			continue
		}

		seen[r.Addr] = struct{}{}

		addrs = append(addrs, r.Addr)
	}

	return addrs
}
