package session

import "github.com/prometheus/client_golang/prometheus"

var (
	loginSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_session_login_success_total",
			Help: "Successful full logins",
		},
		[]string{"entry"},
	)
	loginFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_session_login_failure_total",
			Help: "Failed full logins",
		},
		[]string{"entry"},
	)
	connectSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_session_connect_success_total",
			Help: "Successful session establishments",
		},
		[]string{"entry"},
	)
	connectFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_session_connect_failure_total",
			Help: "Failed session establishments",
		},
		[]string{"entry"},
	)
	invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_session_invalidations_total",
			Help: "Sessions dropped after backend rejection",
		},
		[]string{"entry"},
	)
	sessionValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schluter_session_valid",
			Help: "Session validity (1=valid, 0=invalid)",
		},
		[]string{"entry"},
	)
)

// MetricsCollectors returns collectors for the session module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		loginSuccess,
		loginFailure,
		connectSuccess,
		connectFailure,
		invalidations,
		sessionValid,
	}
}
