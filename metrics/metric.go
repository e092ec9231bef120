// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fsmeta"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	ProposalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "proposal_total",
		Help:      "proposals by operation and result code",
	}, []string{"op", "code"})

	AppliedIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "applied_index",
	}, []string{"shard"})

	ShardIsolated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "shard",
		Name:      "isolated_total",
		Help:      "shards isolated after an invariant violation",
	}, []string{"shard"})

	JournalReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "reclaimed_total",
	}, []string{"shard"})

	ReplicationLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "lag_records",
		Help:      "journal records not yet acknowledged by the remote site",
	}, []string{"shard", "site"})

	ReplicationBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "batch_total",
	}, []string{"site", "result"})

	BackpressureLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "backpressure_level",
	}, []string{"site"})

	ConflictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "conflict_total",
	}, []string{"peer_site", "winner"})

	FenceEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fence",
		Name:      "epoch",
	})

	ResolverLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "lookup_total",
		Help:      "path component lookups by cache result",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		ProposalTotal,
		AppliedIndex,
		ShardIsolated,
		JournalReclaimed,
		ReplicationLag,
		ReplicationBatches,
		BackpressureLevel,
		ConflictTotal,
		FenceEpoch,
		ResolverLookups,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
