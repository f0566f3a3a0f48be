package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	ChecksTotal        *prometheus.CounterVec
	PagesScrapedTotal  prometheus.Counter
	ChangeStatusTotal  *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	ActiveChecks       prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		ChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_checks_total",
			Help: "The total number of website checks, by final session status",
		}, []string{"status"}), // 'completed', 'failed'
		PagesScrapedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sitewatch_pages_scraped_total",
			Help: "The total number of page captures processed",
		}),
		ChangeStatusTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_change_status_total",
			Help: "The total number of scrape results, by change classification",
		}, []string{"status"}),
		NotificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_notifications_total",
			Help: "The total number of notification deliveries attempted",
		}, []string{"channel", "outcome"}), // channel: 'email'|'webhook', outcome: 'sent'|'failed'|'suppressed'
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_errors_total",
			Help: "The total number of errors encountered",
		}, []string{"type"}), // e.g., 'fetch_failed', 'oracle_failed', 'db_save_failed'
		ActiveChecks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sitewatch_active_checks",
			Help: "The number of website checks currently in flight",
		}),
	}
}

func (m *Metrics) IncCheck(status string) {
	m.ChecksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncPageScraped() {
	m.PagesScrapedTotal.Inc()
}

func (m *Metrics) IncChangeStatus(status string) {
	m.ChangeStatusTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncNotification(channel, outcome string) {
	m.NotificationsTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) IncErrorsTotal(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
