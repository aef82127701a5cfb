// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package bridge

import "github.com/prometheus/client_golang/prometheus"

var handledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lora",
	Subsystem: "bridge",
	Name:      "messages_handled_total",
	Help:      "Total number of uplink messages handled per remote broker.",
}, []string{"remote", "outcome"})

var discardedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lora",
	Subsystem: "bridge",
	Name:      "messages_discarded_total",
	Help:      "Total number of local messages discarded before forwarding.",
}, []string{"reason"})

var queueSizeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "lora",
	Subsystem: "bridge",
	Name:      "queue_size",
	Help:      "Number of messages queued per remote broker.",
}, []string{"remote"})

func init() {
	prometheus.MustRegister(handledCounter)
	prometheus.MustRegister(discardedCounter)
	prometheus.MustRegister(queueSizeGauge)
}
