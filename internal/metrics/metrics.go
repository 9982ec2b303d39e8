package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vela"

var (
	// Transitions 状态机转换次数。action 为审计动作名
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "onboarding",
		Name:      "transitions_total",
		Help:      "Onboarding state transitions by audit action and outcome",
	}, []string{"action", "success"})

	// TransitionDuration 单次转换耗时，包含平台调用
	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "onboarding",
		Name:      "transition_duration_seconds",
		Help:      "Onboarding operation latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	// TokenResolves 交互令牌解析结果：ok, invalid, expired, unknown_handler
	TokenResolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "interaction",
		Name:      "resolves_total",
		Help:      "Interaction token resolutions by result",
	}, []string{"result"})

	AuditFanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "fanout_dropped_total",
		Help:      "Audit entries not fanned out because the queue was full or closed",
	})

	AuditFanoutErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "fanout_errors_total",
		Help:      "Audit fan-out sink failures",
	}, []string{"sink"})

	BotEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "events_total",
		Help:      "Discord events handled by type",
	}, []string{"type"})

	BotReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bot",
		Name:      "reconnects_total",
		Help:      "Gateway reconnect attempts",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Admin API requests by route and status",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Admin API request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"rule"})
)

// Bool 把布尔值转成标签值
func Bool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
