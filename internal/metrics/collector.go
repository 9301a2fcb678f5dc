// Package metrics exposes front desk activity as Prometheus metrics. The
// collector subscribes to the event bus, so components only emit events.
package metrics

import (
	"net/http"

	"frontdesk/internal/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can build as many as they like.
type Collector struct {
	registry  *prometheus.Registry
	handlerID string

	MessagesClassified *prometheus.CounterVec
	Onboardings        prometheus.Counter
	ActionsSent        *prometheus.CounterVec
	ActionsFailed      *prometheus.CounterVec
	MediaUnavailable   prometheus.Counter
	Escalations        *prometheus.CounterVec
	LedgerPersistFails prometheus.Counter
	OnboardedChats     prometheus.GaugeFunc
}

// New creates a collector. onboarded reports the current ledger size; it may be nil.
func New(onboarded func() int) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if onboarded == nil {
		onboarded = func() int { return 0 }
	}

	c := &Collector{
		registry: reg,
		MessagesClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_messages_total",
			Help: "Inbound guest messages by classified intent",
		}, []string{"intent"}),
		Onboardings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_onboardings_total",
			Help: "First-contact onboarding sequences started",
		}),
		ActionsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_actions_sent_total",
			Help: "Outbound actions delivered to the transport",
		}, []string{"action"}),
		ActionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_actions_failed_total",
			Help: "Outbound actions abandoned after a transport failure",
		}, []string{"action"}),
		MediaUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_media_unavailable_total",
			Help: "Media attachments skipped because the content source had none",
		}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frontdesk_staff_notifications_total",
			Help: "Per-recipient staff notification outcomes",
		}, []string{"status"}),
		LedgerPersistFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frontdesk_ledger_persist_failures_total",
			Help: "Onboarding ledger writes that failed",
		}),
		OnboardedChats: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "frontdesk_onboarded_chats",
			Help: "Chats currently recorded in the onboarding ledger",
		}, func() float64 { return float64(onboarded()) }),
	}

	reg.MustRegister(
		c.MessagesClassified,
		c.Onboardings,
		c.ActionsSent,
		c.ActionsFailed,
		c.MediaUnavailable,
		c.Escalations,
		c.LedgerPersistFails,
		c.OnboardedChats,
	)
	return c
}

// Attach subscribes the collector to every event on eb.
func (c *Collector) Attach(eb *bus.EventBus) {
	c.handlerID = eb.On("*", c.observe)
}

// Detach stops counting events from eb.
func (c *Collector) Detach(eb *bus.EventBus) {
	if c.handlerID == "" {
		return
	}
	eb.Off("*", c.handlerID)
	c.handlerID = ""
}

func (c *Collector) observe(e bus.Event) {
	switch e.Type {
	case bus.EventMessageClassified:
		c.MessagesClassified.WithLabelValues(e.Label("intent")).Inc()
	case bus.EventOnboardingStarted:
		c.Onboardings.Inc()
	case bus.EventActionSent:
		c.ActionsSent.WithLabelValues(e.Label("action")).Inc()
	case bus.EventActionFailed:
		c.ActionsFailed.WithLabelValues(e.Label("action")).Inc()
	case bus.EventMediaUnavailable:
		c.MediaUnavailable.Inc()
	case bus.EventEscalationSent:
		c.Escalations.WithLabelValues("sent").Inc()
	case bus.EventEscalationFailed:
		c.Escalations.WithLabelValues("failed").Inc()
	case bus.EventLedgerPersistError:
		c.LedgerPersistFails.Inc()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
