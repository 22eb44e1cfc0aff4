// Package metrics exports device state and cloud request outcomes to Prometheus.
package metrics

import (
	"aircontrolbase2mqtt/acb"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Source is the device cache the collector reads. Scrapes never reach the cloud.
type Source interface {
	Devices() []acb.Device
	LastUpdateSuccess() bool
	LastUpdate() time.Time
}

// Collector reports the cached state of every device.
type Collector struct {
	source Source

	currentTemp *prometheus.GaugeVec
	targetTemp  *prometheus.GaugeVec
	powerOn     *prometheus.GaugeVec
	mode        *prometheus.GaugeVec
	lastSuccess prometheus.Gauge
	success     prometheus.Gauge
	devices     prometheus.Gauge
}

func NewCollector(source Source) *Collector {
	labels := []string{"device_id", "device_name"}
	return &Collector{
		source: source,
		currentTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aircontrolbase_current_temperature_celsius",
			Help: "Room temperature reported per device",
		}, labels),
		targetTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aircontrolbase_target_temperature_celsius",
			Help: "Target temperature per device",
		}, labels),
		powerOn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aircontrolbase_power_on_bool",
			Help: "Power state per device (1=on, 0=off)",
		}, labels),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aircontrolbase_mode_info",
			Help: "Operating mode and fan speed per device, always 1",
		}, append(labels, "mode", "wind")),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aircontrolbase_last_success_timestamp_seconds",
			Help: "Last successful device refresh (epoch seconds)",
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aircontrolbase_refresh_success",
			Help: "Last device refresh success (1=ok, 0=error)",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aircontrolbase_devices",
			Help: "Number of devices in the account",
		}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.currentTemp.Describe(ch)
	c.targetTemp.Describe(ch)
	c.powerOn.Describe(ch)
	c.mode.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.success.Describe(ch)
	c.devices.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.currentTemp.Reset()
	c.targetTemp.Reset()
	c.powerOn.Reset()
	c.mode.Reset()

	devices := c.source.Devices()
	for _, d := range devices {
		labels := prometheus.Labels{
			"device_id":   d.ID,
			"device_name": d.Name,
		}
		c.currentTemp.With(labels).Set(d.FactTemp)
		c.targetTemp.With(labels).Set(d.SetTemp)
		c.powerOn.With(labels).Set(boolToFloat(d.IsOn()))
		c.mode.WithLabelValues(d.ID, d.Name, d.Mode, d.Wind).Set(1)
	}
	c.devices.Set(float64(len(devices)))
	c.success.Set(boolToFloat(c.source.LastUpdateSuccess()))
	if last := c.source.LastUpdate(); !last.IsZero() {
		c.lastSuccess.Set(float64(last.Unix()))
	}

	c.currentTemp.Collect(ch)
	c.targetTemp.Collect(ch)
	c.powerOn.Collect(ch)
	c.mode.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.success.Collect(ch)
	c.devices.Collect(ch)
}

// RequestObserver counts and times the requests sent to the cloud.
type RequestObserver struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewRequestObserver() *RequestObserver {
	return &RequestObserver{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aircontrolbase_requests_total",
			Help: "Requests sent to the AirControlBase cloud by operation and result",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aircontrolbase_request_duration_seconds",
			Help:    "Latency of requests sent to the AirControlBase cloud",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

// ObserveRequest records one request outcome
func (o *RequestObserver) ObserveRequest(op string, duration time.Duration, err error) {
	o.requests.WithLabelValues(op, result(err)).Inc()
	o.duration.WithLabelValues(op).Observe(duration.Seconds())
}

func (o *RequestObserver) Describe(ch chan<- *prometheus.Desc) {
	o.requests.Describe(ch)
	o.duration.Describe(ch)
}

func (o *RequestObserver) Collect(ch chan<- prometheus.Metric) {
	o.requests.Collect(ch)
	o.duration.Collect(ch)
}

func result(err error) string {
	var apiErr *acb.APIError
	var statusErr *acb.HTTPStatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, acb.ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.As(err, &statusErr):
		return "http_error"
	default:
		return "transport_error"
	}
}

// Handler exposes the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes the registry on addr under /metrics until the context is done.
func Serve(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(registry))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", addr).Info("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
