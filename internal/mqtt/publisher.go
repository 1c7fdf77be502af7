package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/joshp123/schluter-go/internal/neviweb"
)

// Entry is the slice of a coordinator the publisher needs: cached
// snapshots to publish and write operations to dispatch commands to.
type Entry interface {
	Name() string
	Data() map[int64]neviweb.Thermostat
	Devices() []neviweb.Device
	SetTemperature(ctx context.Context, deviceID int64, celsius float64) (bool, error)
	SetSetpointMode(ctx context.Context, deviceID int64, mode string) (bool, error)
	SetOccupancy(ctx context.Context, deviceID int64, occupancy string) (bool, error)
}

type Config struct {
	BrokerURL       string
	ClientID        string
	BaseTopic       string
	DiscoveryPrefix string
	Username        string
	Password        string
	QoS             byte
	PublishInterval time.Duration
}

// Publisher bridges thermostat state onto MQTT: retained state topics
// per device, Home Assistant discovery configs, and command topics for
// setpoint, mode, and occupancy.
type Publisher struct {
	cfg     Config
	entries []Entry
	log     *zap.Logger

	client mqtt.Client

	// newClient is swapped in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func New(cfg Config, entries []Entry, log *zap.Logger) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "schluterd"
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "schluter"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 10 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		cfg:       cfg,
		entries:   entries,
		log:       log,
		newClient: mqtt.NewClient,
	}, nil
}

// Run connects and publishes until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}

	// Re-subscribe and re-announce on every (re)connect; discovery
	// configs are retained but a broker restart can lose them.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := p.cfg.BaseTopic + "/+/+/set/+"
		token := cl.Subscribe(topic, p.cfg.QoS, p.onCommand)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
		p.publishDiscovery(cl)
	}

	p.client = p.newClient(opts)
	token := p.client.Connect()
	// ConnectRetry keeps the token pending until a broker answers, so
	// shutdown must not block on it.
	for !token.WaitTimeout(250 * time.Millisecond) {
		if ctx.Err() != nil {
			p.client.Disconnect(250)
			return ctx.Err()
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	last := map[string]stateDTO{}
	p.publishStates(last)

	for {
		select {
		case <-ctx.Done():
			p.client.Disconnect(250)
			return ctx.Err()
		case <-ticker.C:
			p.publishStates(last)
		}
	}
}

type stateDTO struct {
	CurrentTemperature *float64 `json:"current_temperature"`
	TargetTemperature  *float64 `json:"target_temperature"`
	MinTemperature     float64  `json:"min_temperature"`
	MaxTemperature     float64  `json:"max_temperature"`
	Mode               string   `json:"mode"`
	Occupancy          string   `json:"occupancy"`
	HVACMode           string   `json:"hvac_mode"`
	HVACAction         string   `json:"hvac_action"`
	Preset             string   `json:"preset"`
	HeatingPercent     int      `json:"heating_percent"`
}

func stateOf(t neviweb.Thermostat) stateDTO {
	hvacMode := "off"
	if t.HeatMode() {
		hvacMode = "heat"
	}
	return stateDTO{
		CurrentTemperature: t.CurrentTemp,
		TargetTemperature:  t.TargetTemp,
		MinTemperature:     t.MinTemp,
		MaxTemperature:     t.MaxTemp,
		Mode:               t.SetpointMode,
		Occupancy:          t.OccupancyMode,
		HVACMode:           hvacMode,
		HVACAction:         t.HVACAction(),
		Preset:             t.Preset(),
		HeatingPercent:     t.HeatingPercent,
	}
}

// publishStates publishes retained state for every device whose
// snapshot changed since the previous pass.
func (p *Publisher) publishStates(last map[string]stateDTO) {
	for _, entry := range p.entries {
		for deviceID, state := range entry.Data() {
			dto := stateOf(state)
			key := entry.Name() + "/" + strconv.FormatInt(deviceID, 10)
			if prev, ok := last[key]; ok && reflect.DeepEqual(prev, dto) {
				continue
			}
			payload, _ := json.Marshal(dto)
			p.client.Publish(p.stateTopic(entry.Name(), deviceID), p.cfg.QoS, true, payload)
			last[key] = dto
		}
	}
}

func (p *Publisher) publishDiscovery(cl mqtt.Client) {
	for _, entry := range p.entries {
		for _, device := range entry.Devices() {
			uniqueID := fmt.Sprintf("schluter_%s_%d", entry.Name(), device.ID)
			stateTopic := p.stateTopic(entry.Name(), device.ID)
			commandBase := p.commandBase(entry.Name(), device.ID)

			cfg := map[string]any{
				"name":                         device.Name,
				"unique_id":                    uniqueID,
				"object_id":                    uniqueID,
				"min_temp":                     neviweb.DefaultMinTemp,
				"max_temp":                     neviweb.DefaultMaxTemp,
				"temp_step":                    0.5,
				"modes":                        []string{"heat", "off"},
				"current_temperature_topic":    stateTopic,
				"current_temperature_template": "{{ value_json.current_temperature }}",
				"temperature_state_topic":      stateTopic,
				"temperature_state_template":   "{{ value_json.target_temperature }}",
				"mode_state_topic":             stateTopic,
				"mode_state_template":          "{{ value_json.hvac_mode }}",
				"action_topic":                 stateTopic,
				"action_template":              "{{ value_json.hvac_action }}",
				"temperature_command_topic":    commandBase + "/temperature",
				"temperature_command_template": `{"value": {{ value }}}`,
				"preset_modes":                 []string{"schedule", "away", "home"},
				"preset_mode_state_topic":      stateTopic,
				"preset_mode_value_template":   "{{ value_json.preset }}",
			}
			payload, _ := json.Marshal(cfg)
			topic := fmt.Sprintf("%s/climate/%s/config", p.cfg.DiscoveryPrefix, uniqueID)
			cl.Publish(topic, p.cfg.QoS, true, payload)
		}
	}
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (p *Publisher) onCommand(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/<entry>/<device>/set/<field>
	parts := strings.Split(strings.TrimPrefix(msg.Topic(), p.cfg.BaseTopic+"/"), "/")
	if len(parts) != 4 || parts[2] != "set" {
		return
	}
	entryName, field := parts[0], parts[3]
	deviceID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return
	}

	entry, ok := p.entry(entryName)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch field {
	case "temperature":
		value, err := decodeValue[float64](msg.Payload())
		if err != nil {
			return
		}
		if _, err := entry.SetTemperature(ctx, deviceID, value); err != nil {
			p.log.Warn("mqtt setpoint failed", zap.String("entry", entryName), zap.Int64("device_id", deviceID), zap.Error(err))
		}
	case "mode":
		value, err := decodeValue[string](msg.Payload())
		if err != nil {
			return
		}
		if _, err := entry.SetSetpointMode(ctx, deviceID, value); err != nil {
			p.log.Warn("mqtt mode failed", zap.String("entry", entryName), zap.Int64("device_id", deviceID), zap.Error(err))
		}
	case "occupancy":
		value, err := decodeValue[string](msg.Payload())
		if err != nil {
			return
		}
		if _, err := entry.SetOccupancy(ctx, deviceID, value); err != nil {
			p.log.Warn("mqtt occupancy failed", zap.String("entry", entryName), zap.Int64("device_id", deviceID), zap.Error(err))
		}
	}
}

func (p *Publisher) entry(name string) (Entry, bool) {
	for _, entry := range p.entries {
		if entry.Name() == name {
			return entry, true
		}
	}
	return nil, false
}

func (p *Publisher) stateTopic(entry string, deviceID int64) string {
	return fmt.Sprintf("%s/%s/%d/state", p.cfg.BaseTopic, entry, deviceID)
}

func (p *Publisher) commandBase(entry string, deviceID int64) string {
	return fmt.Sprintf("%s/%s/%d/set", p.cfg.BaseTopic, entry, deviceID)
}

func decodeValue[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
