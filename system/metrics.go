// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsNamespace prefixes every collector registered for the broker.
const MetricsNamespace = "moquette"

// RegisterPrometheusMetrics registers a collector per stat, read at scrape
// time, and a build_info gauge. A nil registry uses the default registerer.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) error {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	for _, s := range i.Stats() {
		if err := registry.Register(collector(s)); err != nil {
			return err
		}
	}

	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "build_info",
		Help:      "Build information of the broker",
	}, []string{"goversion", "version"})
	if err := registry.Register(build); err != nil {
		return err
	}
	build.WithLabelValues(runtime.Version(), i.Version).Set(1)

	return nil
}

func collector(s Stat) prometheus.Collector {
	read := func() float64 { return float64(s.Load()) }
	if s.Kind == Counter {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      s.Name,
			Help:      s.Help,
		}, read)
	}

	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      s.Name,
		Help:      s.Help,
	}, read)
}
