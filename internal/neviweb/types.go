package neviweb

import "time"

// Operating modes and occupancy states accepted by the backend.
const (
	ModeManual   = "manual"
	ModeSchedule = "schedule"

	OccupancyHome = "home"
	OccupancyAway = "away"
)

// Setpoint limits reported by most thermostats; used when the backend
// omits the corresponding attributes.
const (
	DefaultMinTemp = 5.0
	DefaultMaxTemp = 33.0
)

// Location is one site under the authenticated account.
type Location struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Device is one thermostat as reported by the devices listing.
// Immutable after discovery within a coordinator's lifetime.
type Device struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	DiscoveredAt time.Time
}

// Thermostat is the parsed attribute state of one device for one poll
// cycle. A fresh value is built on every cycle; it is never mutated in
// place.
type Thermostat struct {
	DeviceID int64
	Name     string

	CurrentTemp *float64
	TargetTemp  *float64
	MinTemp     float64
	MaxTemp     float64

	SetpointMode  string
	OccupancyMode string

	Heating        bool
	HeatingPercent int

	AirFloorMode      string
	GFCIStatus        string
	FloorSetpointPWM  *int
	TempDisplayStatus string
}

// HeatMode reports whether the device counts as being in heat mode.
// The backend exposes no on/off attribute; a setpoint above the minimum
// threshold is the only observable signal.
func (t Thermostat) HeatMode() bool {
	return t.TargetTemp != nil && *t.TargetTemp > DefaultMinTemp
}

// HVACAction is the derived running state: "heating", "idle", or "off".
func (t Thermostat) HVACAction() string {
	if t.Heating {
		return "heating"
	}
	if t.HeatMode() {
		return "idle"
	}
	return "off"
}

// Preset maps the device state onto the schedule/away/home precedence
// used by presentation consumers.
func (t Thermostat) Preset() string {
	if t.SetpointMode == ModeSchedule {
		return "schedule"
	}
	if t.OccupancyMode == OccupancyAway {
		return "away"
	}
	return "home"
}

// Attribute names requested in the batched status fetch. One request
// covers all of them; absent fields fall back to documented defaults.
var statusAttributes = []string{
	"setpointMode",
	"roomSetpoint",
	"roomSetpointMin",
	"roomSetpointMax",
	"roomTemperatureDisplay",
	"outputPercentDisplay",
	"occupancyMode",
	"gfciStatus",
	"airFloorMode",
	"floorSetpointPwm",
	"floorSetpointPwmMin",
	"floorSetpointPwmMax",
}

// Writable attribute keys.
const (
	attrRoomSetpoint  = "roomSetpoint"
	attrSetpointMode  = "setpointMode"
	attrOccupancyMode = "occupancyMode"
)
