// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	receivedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_received_total",
			Help: "Total number of inbound messages accepted from a mapped room",
		},
		[]string{"connector"},
	)

	relayedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_relayed_total",
			Help: "Total number of relay deliveries by source and target connector",
		},
		[]string{"source", "target", "result"},
	)
)
