package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carts_created_total",
		Help: "Total number of carts created",
	})

	CheckoutsFrozenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_frozen_total",
		Help: "Total number of carts frozen into checkouts",
	})

	MandatesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mandates_created_total",
		Help: "Total number of spend mandates approved by the wallet authority",
	})

	CredentialRevealsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credential_reveals_total",
		Help: "Total number of card reveals requested from the wallet authority",
	})

	TokenizationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tokenizations_total",
		Help: "Total number of successful card tokenizations",
	})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of settlement attempts by outcome",
	}, []string{"outcome"})

	StageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_stage_failures_total",
		Help: "Total number of stage failures by stage and error code",
	}, []string{"stage", "code"})

	StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_stage_latency_seconds",
		Help:    "Latency of orchestration stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	VaultExpiriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_expiries_total",
		Help: "Total number of settlement attempts rejected for stale credentials",
	})

	AuditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_events_total",
		Help: "Total number of checkout events consumed by the audit worker",
	}, []string{"type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
