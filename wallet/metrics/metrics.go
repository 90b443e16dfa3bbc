// Package metrics counts send state transitions and subscription
// reconnects. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nutsend"

type Metrics struct {
	sendQuoteTransitions   *prometheus.CounterVec
	sendSwapTransitions    *prometheus.CounterVec
	subscriptionReconnects *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		sendQuoteTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_quote_transitions_total",
			Help:      "Send quotes moved into each state",
		}, []string{"state"}),
		sendSwapTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_swap_transitions_total",
			Help:      "Send swaps moved into each state",
		}, []string{"state"}),
		subscriptionReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_reconnects_total",
			Help:      "Mint websocket subscriptions reopened after the socket closed",
		}, []string{"kind"}),
	}

	registry.MustRegister(m.sendQuoteTransitions, m.sendSwapTransitions, m.subscriptionReconnects)
	return m
}

func (m *Metrics) SendQuoteTransition(state string) {
	if m == nil {
		return
	}
	m.sendQuoteTransitions.With(prometheus.Labels{"state": state}).Inc()
}

func (m *Metrics) SendSwapTransition(state string) {
	if m == nil {
		return
	}
	m.sendSwapTransitions.With(prometheus.Labels{"state": state}).Inc()
}

func (m *Metrics) SubscriptionReconnect(kind string) {
	if m == nil {
		return
	}
	m.subscriptionReconnects.With(prometheus.Labels{"kind": kind}).Inc()
}
