/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package checker

import (
	"github.com/hyperledger/fabric-lib-go/common/metrics"
)

var (
	checksTotalOpts = metrics.CounterOpts{
		Namespace:    "ledgeraudit",
		Name:         "checks_total",
		Help:         "The number of recorded check results by checker and outcome.",
		LabelNames:   []string{"checker", "result"},
		StatsdFormat: "%{#fqname}.%{checker}.%{result}",
	}

	blockHeightOpts = metrics.GaugeOpts{
		Namespace:    "ledgeraudit",
		Name:         "block_height",
		Help:         "The height of the audited ledger in blocks.",
		LabelNames:   []string{"channel"},
		StatsdFormat: "%{#fqname}.%{channel}",
	}

	checkDurationOpts = metrics.HistogramOpts{
		Namespace:    "ledgeraudit",
		Name:         "block_check_duration",
		Help:         "Time taken in seconds by one checker on one target.",
		LabelNames:   []string{"checker"},
		StatsdFormat: "%{#fqname}.%{checker}",
		Buckets:      []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
)

// Metrics are the audit metrics shared by all checkers of a run.
type Metrics struct {
	ChecksTotal   metrics.Counter
	BlockHeight   metrics.Gauge
	CheckDuration metrics.Histogram
}

func NewMetrics(p metrics.Provider) *Metrics {
	return &Metrics{
		ChecksTotal:   p.NewCounter(checksTotalOpts),
		BlockHeight:   p.NewGauge(blockHeightOpts),
		CheckDuration: p.NewHistogram(checkDurationOpts),
	}
}
