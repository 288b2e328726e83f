// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_bus_drop_total",
		Help: "Total number of in-memory bus message drops (backpressure)",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_bus_dropped_total",
		Help: "Total number of in-memory bus message drops by topic and reason",
	}, []string{"topic", "reason"})

	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_bus_publish_total",
		Help: "Total number of messages published by topic and outcome",
	}, []string{"topic", "outcome"})

	BusConsumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_bus_consume_total",
		Help: "Total number of messages consumed by topic",
	}, []string{"topic"})

	BusAckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelctl_bus_ack_total",
		Help: "Total number of messages acked or nacked by topic and outcome",
	}, []string{"topic", "outcome"})
)

// RecordBusPublish records a publish attempt's outcome for a topic.
func RecordBusPublish(topic, outcome string) {
	BusPublishTotal.WithLabelValues(topic, outcome).Inc()
}

// RecordBusConsume records one message delivered to a subscriber.
func RecordBusConsume(topic string) {
	BusConsumeTotal.WithLabelValues(topic).Inc()
}

// RecordBusAck records a message ack or nack for a topic.
func RecordBusAck(topic, outcome string) {
	BusAckTotal.WithLabelValues(topic, outcome).Inc()
}

// IncBusDrop records a dropped bus message for the given topic.
func IncBusDrop(topic string) {
	IncBusDropReason(topic, "full")
}

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDropsTotal.WithLabelValues(topic).Inc()
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
