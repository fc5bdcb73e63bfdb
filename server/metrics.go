package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b2cauth_challenges_total",
		Help: "Authentication challenges issued, by policy and kind.",
	}, []string{"policy", "kind"})

	signInsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b2cauth_signins_total",
		Help: "Completed sign-ins, by policy.",
	}, []string{"policy"})

	signInFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b2cauth_signin_failures_total",
		Help: "Failed sign-in attempts, by reason.",
	}, []string{"reason"})

	logoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b2cauth_logouts_total",
		Help: "Completed logouts.",
	})

	callbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "b2cauth_callback_duration_seconds",
		Help:    "Time spent handling provider callbacks.",
		Buckets: prometheus.DefBuckets,
	})
)
