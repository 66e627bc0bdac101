package prom

import (
	"sync"

	xhttp "github.com/nimasrn/followup-gateway/pkg/http"
	"github.com/nimasrn/followup-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemDispatch = "dispatch"
	SystemAcks     = "acks"
	SystemWebhook  = "webhook"
)

const (
	MetricDispatchOutcomes = "outcomes_total"
	MetricSendDuration     = "send_duration_seconds"
	MetricAcksProcessed    = "processed_total"
	MetricDeliveryLatency  = "delivery_latency_seconds"
	MetricWebhookEvents    = "events_total"
)

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

func Create(host string, env string, nameSpace string) error {
	defaultLabels = make(prometheus.Labels)
	defaultLabels["env"] = env
	defaultLabels["instance"] = host
	namespace = nameSpace
	MetricSystemEnabled = true

	var err error
	hasError := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	hasError(createCounterVec(SystemDispatch, MetricDispatchOutcomes, []string{"outcome"}))
	hasError(createHistogramVec(SystemDispatch, MetricSendDuration, []string{"provider", "result"}, prometheus.DefBuckets))
	hasError(createCounterVec(SystemAcks, MetricAcksProcessed, []string{"kind", "result"}))
	hasError(createHistogramVec(SystemAcks, MetricDeliveryLatency, []string{"trigger"},
		[]float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600}))
	hasError(createCounterVec(SystemWebhook, MetricWebhookEvents, []string{"event"}))

	return err
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func createCounterVec(subsystem, name string, labels []string) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionCounterVec[subsystem+name] = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
	}, labels)
	return prometheus.Register(MetricCollectionCounterVec[subsystem+name])
}

func createHistogramVec(subsystem, name string, labels []string, buckets []float64) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()
	MetricCollectionHistogramVec[subsystem+name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        "",
		ConstLabels: defaultLabels,
		Buckets:     buckets,
	}, labels)
	return prometheus.Register(MetricCollectionHistogramVec[subsystem+name])
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionCounterVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Add(num)
		return
	}
	logger.Warn("[metrics-server] counter vec not found", "subsystem", subsystem, "name", name)
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if !MetricSystemEnabled {
		return
	}
	if v, ok := MetricCollectionHistogramVec[subsystem+name]; ok {
		v.WithLabelValues(labelValues...).Observe(number)
		return
	}
	logger.Warn("[metrics-server] histogram vec not found", "subsystem", subsystem, "name", name)
}

func IncDispatchOutcome(outcome string) {
	IncCounterVec(SystemDispatch, MetricDispatchOutcomes, outcome)
}

func AddSendDuration(seconds float64, provider, result string) {
	AddHistogramVec(SystemDispatch, MetricSendDuration, seconds, provider, result)
}

func IncAckProcessed(kind, result string) {
	IncCounterVec(SystemAcks, MetricAcksProcessed, kind, result)
}

func AddDeliveryLatency(seconds float64, trigger string) {
	AddHistogramVec(SystemAcks, MetricDeliveryLatency, seconds, trigger)
}

func IncWebhookEvent(event string) {
	IncCounterVec(SystemWebhook, MetricWebhookEvents, event)
}
