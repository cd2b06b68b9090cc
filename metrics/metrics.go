// Package metrics holds the process-wide Prometheus registry and the
// instruments the subsystem components update.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	TransactionsIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "transactions_indexed_total",
		Help:      "Transactions applied to the index writer.",
	})

	DocumentsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "documents_skipped_total",
		Help:      "Documents skipped because derivation failed.",
	})

	SnapshotReopens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "snapshot_reopens_total",
		Help:      "Snapshots published by the reopen scheduler.",
	})

	Commits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "commits_total",
		Help:      "Successful durable commits of the index writer.",
	})

	CommitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "commit_failures_total",
		Help:      "Commit attempts that forced a writer rebuild.",
	})

	Searches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "searches_total",
		Help:      "Search requests executed by the coordinator.",
	})

	FederationFanouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "federation_fanouts_total",
		Help:      "Peer sub-searches dispatched for federated requests.",
	})

	PeerSweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reposearch",
		Name:      "peer_sweep_failures_total",
		Help:      "Federation sweep cycles that skipped a peer after an error.",
	})
)

func init() {
	Registry.MustRegister(
		TransactionsIndexed,
		DocumentsSkipped,
		SnapshotReopens,
		Commits,
		CommitFailures,
		Searches,
		FederationFanouts,
		PeerSweepFailures,
	)
}
