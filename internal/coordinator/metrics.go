package coordinator

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_refresh_cycles_total",
			Help: "Refresh cycles started",
		},
		[]string{"entry"},
	)
	cycleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_refresh_cycle_failures_total",
			Help: "Refresh cycles that failed without publishing",
		},
		[]string{"entry"},
	)
	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schluter_refresh_cycle_duration_seconds",
			Help:    "Duration of successful refresh cycles",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entry"},
	)
	reauthRequired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schluter_reauth_required_total",
			Help: "Cycles that concluded the refresh token is unusable",
		},
		[]string{"entry"},
	)
)

// MetricsCollectors returns collectors for the refresh machinery.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{cycles, cycleFailures, cycleDuration, reauthRequired}
}

// StateCollector exports the latest published thermostat snapshots as
// gauges. It reads only cached data; scrapes never touch the backend.
type StateCollector struct {
	registry *Registry

	temp           *prometheus.GaugeVec
	setpoint       *prometheus.GaugeVec
	heatingPercent *prometheus.GaugeVec
	heatingActive  *prometheus.GaugeVec
	heatMode       *prometheus.GaugeVec
	devices        *prometheus.GaugeVec
	lastSuccess    *prometheus.GaugeVec
	healthy        *prometheus.GaugeVec
}

func NewStateCollector(registry *Registry) *StateCollector {
	deviceLabels := []string{"entry", "device_id", "device_name"}
	entryLabels := []string{"entry"}
	return &StateCollector{
		registry: registry,
		temp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_floor_temperature_celsius",
			Help: "Current temperature per thermostat",
		}, deviceLabels),
		setpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_setpoint_celsius",
			Help: "Target temperature per thermostat",
		}, deviceLabels),
		heatingPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_heating_power_percent",
			Help: "Heating output per thermostat",
		}, deviceLabels),
		heatingActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_heating_active_bool",
			Help: "Heating currently drawing power (1=on, 0=off)",
		}, deviceLabels),
		heatMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_heat_mode_bool",
			Help: "Device in heat mode (1=heat, 0=off)",
		}, deviceLabels),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_devices",
			Help: "Discovered thermostats per entry",
		}, entryLabels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_last_refresh_timestamp_seconds",
			Help: "Last successful refresh per entry (epoch seconds)",
		}, entryLabels),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schluter_entry_healthy",
			Help: "Entry health (1=healthy, 0=degraded or worse)",
		}, entryLabels),
	}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	c.temp.Describe(ch)
	c.setpoint.Describe(ch)
	c.heatingPercent.Describe(ch)
	c.heatingActive.Describe(ch)
	c.heatMode.Describe(ch)
	c.devices.Describe(ch)
	c.lastSuccess.Describe(ch)
	c.healthy.Describe(ch)
}

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	c.temp.Reset()
	c.setpoint.Reset()
	c.heatingPercent.Reset()
	c.heatingActive.Reset()
	c.heatMode.Reset()
	c.devices.Reset()
	c.lastSuccess.Reset()
	c.healthy.Reset()

	for _, name := range c.registry.Names() {
		coord, ok := c.registry.Get(name)
		if !ok {
			continue
		}

		entryLabels := prometheus.Labels{"entry": name}
		c.devices.With(entryLabels).Set(float64(len(coord.Devices())))
		if last := coord.LastSuccess(); !last.IsZero() {
			c.lastSuccess.With(entryLabels).Set(float64(last.Unix()))
		}
		status, _ := coord.Health()
		c.healthy.With(entryLabels).Set(boolToFloat(status == HealthHealthy))

		for deviceID, state := range coord.Data() {
			labels := prometheus.Labels{
				"entry":       name,
				"device_id":   strconv.FormatInt(deviceID, 10),
				"device_name": state.Name,
			}
			if state.CurrentTemp != nil {
				c.temp.With(labels).Set(*state.CurrentTemp)
			}
			if state.TargetTemp != nil {
				c.setpoint.With(labels).Set(*state.TargetTemp)
			}
			c.heatingPercent.With(labels).Set(float64(state.HeatingPercent))
			c.heatingActive.With(labels).Set(boolToFloat(state.Heating))
			c.heatMode.With(labels).Set(boolToFloat(state.HeatMode()))
		}
	}

	c.temp.Collect(ch)
	c.setpoint.Collect(ch)
	c.heatingPercent.Collect(ch)
	c.heatingActive.Collect(ch)
	c.heatMode.Collect(ch)
	c.devices.Collect(ch)
	c.lastSuccess.Collect(ch)
	c.healthy.Collect(ch)
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
