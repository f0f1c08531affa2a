package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	LoginSuccessTotal   prometheus.Counter
	LoginFailureTotal   *prometheus.CounterVec
	UsersCreatedTotal   prometheus.Counter
	ActiveSessionsGauge prometheus.Gauge
)

// InitCustomMetrics initializes and registers the login metrics. It
// should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	LoginSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedlogin_logins_success_total",
		Help: "Total number of successful federated logins.",
	})
	LoginFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedlogin_logins_failure_total",
		Help: "Total number of aborted login attempts, by failure kind.",
	}, []string{"kind"})
	UsersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedlogin_users_created_total",
		Help: "Total number of local accounts auto-created on first login.",
	})
	ActiveSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedlogin_active_sessions_gauge",
		Help: "Current number of active local sessions.",
	})

	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		LoginSuccessTotal, LoginFailureTotal, UsersCreatedTotal, ActiveSessionsGauge,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
}

// The helpers below are nil-safe so code paths exercised in tests do
// not require metric registration.

func IncLoginSuccess() {
	if LoginSuccessTotal != nil {
		LoginSuccessTotal.Inc()
	}
}

func IncLoginFailure(kind string) {
	if LoginFailureTotal != nil {
		LoginFailureTotal.WithLabelValues(kind).Inc()
	}
}

func IncUsersCreated() {
	if UsersCreatedTotal != nil {
		UsersCreatedTotal.Inc()
	}
}

func AddActiveSessions(delta float64) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Add(delta)
	}
}
