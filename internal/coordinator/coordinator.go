package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joshp123/schluter-go/internal/neviweb"
)

// ErrReauthRequired marks a cycle failure that cannot be fixed without
// a new refresh token from the user.
var ErrReauthRequired = errors.New("reauthentication required")

const (
	// DefaultPollInterval is how often device state is refreshed.
	DefaultPollInterval = 30 * time.Second

	// A rejected session is recovered by one full re-login per cycle.
	// A second rejection in the same cycle means the refresh token
	// itself is bad.
	maxAuthRetries = 1
)

// DeviceAPI is the slice of the vendor client the coordinator drives.
type DeviceAPI interface {
	Locations(ctx context.Context, sessionID string) ([]neviweb.Location, error)
	Devices(ctx context.Context, sessionID string, locationID int64) ([]neviweb.Device, error)
	DeviceAttributes(ctx context.Context, sessionID string, deviceID int64) (neviweb.Thermostat, error)
	SetTemperature(ctx context.Context, sessionID string, deviceID int64, celsius float64) (bool, error)
	SetSetpointMode(ctx context.Context, sessionID string, deviceID int64, mode string) (bool, error)
	SetOccupancy(ctx context.Context, sessionID string, deviceID int64, occupancy string) (bool, error)
}

// SessionManager owns the credential lifecycle the coordinator leans on.
type SessionManager interface {
	Login(ctx context.Context) error
	EnsureSession(ctx context.Context) (string, error)
	Invalidate()
	UpdateRefreshToken(ctx context.Context, refreshToken string) error
	Authenticated() bool
}

// Coordinator polls one account entry: it discovers the device
// directory once, then refreshes every device's state on a fixed
// interval, publishing each cycle's result atomically. Consumers read
// the latest published snapshot and never wait on the backend.
type Coordinator struct {
	name       string
	api        DeviceAPI
	session    SessionManager
	log        *zap.Logger
	interval   time.Duration
	locationID int64

	directory Directory

	mu            sync.RWMutex
	data          map[int64]neviweb.Thermostat
	lastSuccess   time.Time
	lastErr       error
	reauthPending bool

	refreshCh chan struct{}
	onReauth  func(name string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Coordinator)

// WithPollInterval overrides the refresh cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithLocationID pins discovery to one location instead of taking the
// first one the account can see.
func WithLocationID(locationID int64) Option {
	return func(c *Coordinator) { c.locationID = locationID }
}

// WithReauthCallback registers a hook fired when a cycle concludes the
// refresh token is no longer usable.
func WithReauthCallback(fn func(name string)) Option {
	return func(c *Coordinator) { c.onReauth = fn }
}

func New(name string, api DeviceAPI, session SessionManager, log *zap.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		name:      name,
		api:       api,
		session:   session,
		log:       log.With(zap.String("entry", name)),
		interval:  DefaultPollInterval,
		data:      map[int64]neviweb.Thermostat{},
		refreshCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Name() string { return c.name }

// Start logs in, runs the first cycle synchronously, and launches the
// poll loop. A failed first cycle is returned for the caller to report
// but the loop still runs: a later cycle or token update can recover.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	firstErr := c.session.Login(ctx)
	if firstErr == nil {
		firstErr = c.cycle(ctx)
	} else {
		// A rejected login already proves the refresh token is
		// unusable; signal it now rather than after the first tick.
		if neviweb.IsAuthError(firstErr) {
			c.signalReauth()
			firstErr = fmt.Errorf("%w: %v", ErrReauthRequired, firstErr)
		}
		c.recordFailure(firstErr)
	}

	c.wg.Add(1)
	go c.loop(ctx)

	return firstErr
}

// Close stops the poll loop and waits for any in-flight cycle.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.refreshCh:
		}

		if err := c.cycle(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("refresh cycle failed", zap.Error(err))
		}

		// Requests that arrived while the cycle ran are already
		// satisfied by it; drop them instead of re-running.
		select {
		case <-c.refreshCh:
		default:
		}
	}
}

// RequestRefresh schedules an out-of-band cycle. It never blocks; if a
// request is already queued the two coalesce.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) cycle(ctx context.Context) error {
	started := time.Now()
	cycles.WithLabelValues(c.name).Inc()

	err := c.runCycle(ctx, maxAuthRetries)
	if err != nil {
		cycleFailures.WithLabelValues(c.name).Inc()
		c.recordFailure(err)
		return err
	}

	cycleDuration.WithLabelValues(c.name).Observe(time.Since(started).Seconds())
	return nil
}

func (c *Coordinator) runCycle(ctx context.Context, retries int) error {
	sessionID, err := c.session.EnsureSession(ctx)
	if err != nil {
		return c.recoverAuth(ctx, err, retries)
	}

	if !c.directory.Populated() {
		if err := c.discover(ctx, sessionID); err != nil {
			if neviweb.IsAuthError(err) {
				return c.recoverAuth(ctx, err, retries)
			}
			return err
		}
	}

	devices := c.directory.Devices()
	snapshots := make(map[int64]neviweb.Thermostat, len(devices))

	var (
		snapMu  sync.Mutex
		wg      sync.WaitGroup
		authErr error
	)
	for _, device := range devices {
		wg.Add(1)
		go func(device neviweb.Device) {
			defer wg.Done()
			state, err := c.api.DeviceAttributes(ctx, sessionID, device.ID)
			if err != nil {
				snapMu.Lock()
				if neviweb.IsAuthError(err) && authErr == nil {
					authErr = err
				}
				snapMu.Unlock()
				// Non-auth failures skip this device; the rest of the
				// cycle still publishes.
				c.log.Warn("device fetch failed", zap.Int64("device_id", device.ID), zap.Error(err))
				return
			}
			state.Name = device.Name
			snapMu.Lock()
			snapshots[device.ID] = state
			snapMu.Unlock()
		}(device)
	}
	wg.Wait()

	if authErr != nil {
		return c.recoverAuth(ctx, authErr, retries)
	}
	if ctx.Err() != nil {
		// A cancelled cycle publishes nothing; the previous snapshot
		// stays current.
		return ctx.Err()
	}

	c.publish(snapshots)
	return nil
}

// recoverAuth handles a rejected session: drop it, log in fresh, and
// re-run the whole cycle once. A failure after that means the refresh
// token is dead and the owner has to re-authenticate.
func (c *Coordinator) recoverAuth(ctx context.Context, cause error, retries int) error {
	if retries <= 0 {
		c.signalReauth()
		return fmt.Errorf("%w: %v", ErrReauthRequired, cause)
	}

	c.log.Info("session rejected, re-authenticating", zap.Error(cause))
	c.session.Invalidate()
	if err := c.session.Login(ctx); err != nil {
		c.signalReauth()
		return fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	return c.runCycle(ctx, retries-1)
}

func (c *Coordinator) discover(ctx context.Context, sessionID string) error {
	locations, err := c.api.Locations(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(locations) == 0 {
		return &neviweb.APIError{Op: "discover", Err: errors.New("account has no locations")}
	}

	location := locations[0]
	if c.locationID != 0 {
		found := false
		for _, candidate := range locations {
			if candidate.ID == c.locationID {
				location = candidate
				found = true
				break
			}
		}
		if !found {
			return &neviweb.APIError{Op: "discover", Err: fmt.Errorf("location %d not visible to account", c.locationID)}
		}
	}

	devices, err := c.api.Devices(ctx, sessionID, location.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range devices {
		devices[i].DiscoveredAt = now
	}

	c.directory.Replace(location, devices)
	c.log.Info("discovered devices",
		zap.Int64("location_id", location.ID),
		zap.String("location", location.Name),
		zap.Int("devices", len(devices)))
	return nil
}

func (c *Coordinator) publish(snapshots map[int64]neviweb.Thermostat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = snapshots
	c.lastSuccess = time.Now()
	c.lastErr = nil
	c.reauthPending = false
}

func (c *Coordinator) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if errors.Is(err, ErrReauthRequired) {
		c.reauthPending = true
	}
}

func (c *Coordinator) signalReauth() {
	reauthRequired.WithLabelValues(c.name).Inc()
	if c.onReauth != nil {
		c.onReauth(c.name)
	}
}

// Data returns the latest published snapshot set. Devices that failed
// their last fetch are absent; absence means stale, not off.
func (c *Coordinator) Data() map[int64]neviweb.Thermostat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]neviweb.Thermostat, len(c.data))
	for id, state := range c.data {
		out[id] = state
	}
	return out
}

// Thermostat returns the latest snapshot for one device.
func (c *Coordinator) Thermostat(deviceID int64) (neviweb.Thermostat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.data[deviceID]
	return state, ok
}

// Devices returns the discovered device listing.
func (c *Coordinator) Devices() []neviweb.Device {
	return c.directory.Devices()
}

// Location returns the discovered location.
func (c *Coordinator) Location() (neviweb.Location, bool) {
	return c.directory.Location()
}

// LastSuccess returns when a cycle last published.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// Err returns the most recent cycle failure, or nil after a successful
// cycle.
func (c *Coordinator) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// UpdateRefreshToken installs a new refresh token, logs in with it, and
// schedules an immediate refresh.
func (c *Coordinator) UpdateRefreshToken(ctx context.Context, refreshToken string) error {
	if err := c.session.UpdateRefreshToken(ctx, refreshToken); err != nil {
		c.recordFailure(err)
		return err
	}
	c.mu.Lock()
	c.reauthPending = false
	c.mu.Unlock()
	c.RequestRefresh()
	return nil
}

// SetTemperature writes a target setpoint after range-checking it
// against the device's reported limits. The returned bool reports
// whether the backend echoed the exact value.
func (c *Coordinator) SetTemperature(ctx context.Context, deviceID int64, celsius float64) (bool, error) {
	minTemp, maxTemp := neviweb.DefaultMinTemp, neviweb.DefaultMaxTemp
	if state, ok := c.Thermostat(deviceID); ok {
		minTemp, maxTemp = state.MinTemp, state.MaxTemp
	}
	if celsius < minTemp || celsius > maxTemp {
		return false, &neviweb.UsageError{Msg: fmt.Sprintf("setpoint %.1f outside [%.1f, %.1f]", celsius, minTemp, maxTemp)}
	}
	return c.write(ctx, func(ctx context.Context, sessionID string) (bool, error) {
		return c.api.SetTemperature(ctx, sessionID, deviceID, celsius)
	})
}

// SetSetpointMode switches the device between manual and schedule
// operation.
func (c *Coordinator) SetSetpointMode(ctx context.Context, deviceID int64, mode string) (bool, error) {
	if mode != neviweb.ModeManual && mode != neviweb.ModeSchedule {
		return false, &neviweb.UsageError{Msg: fmt.Sprintf("invalid mode %q", mode)}
	}
	return c.write(ctx, func(ctx context.Context, sessionID string) (bool, error) {
		return c.api.SetSetpointMode(ctx, sessionID, deviceID, mode)
	})
}

// SetOccupancy switches the device between home and away.
func (c *Coordinator) SetOccupancy(ctx context.Context, deviceID int64, occupancy string) (bool, error) {
	if occupancy != neviweb.OccupancyHome && occupancy != neviweb.OccupancyAway {
		return false, &neviweb.UsageError{Msg: fmt.Sprintf("invalid occupancy %q", occupancy)}
	}
	return c.write(ctx, func(ctx context.Context, sessionID string) (bool, error) {
		return c.api.SetOccupancy(ctx, sessionID, deviceID, occupancy)
	})
}

// write runs one attribute write with the same single-shot auth
// recovery the poll cycle uses, then schedules a refresh so readers
// converge on the new state.
func (c *Coordinator) write(ctx context.Context, op func(ctx context.Context, sessionID string) (bool, error)) (bool, error) {
	sessionID, err := c.session.EnsureSession(ctx)
	if err != nil {
		return false, err
	}

	confirmed, err := op(ctx, sessionID)
	if err != nil && neviweb.IsAuthError(err) {
		c.session.Invalidate()
		if loginErr := c.session.Login(ctx); loginErr != nil {
			c.signalReauth()
			return false, fmt.Errorf("%w: %v", ErrReauthRequired, loginErr)
		}
		sessionID, err = c.session.EnsureSession(ctx)
		if err != nil {
			return false, err
		}
		confirmed, err = op(ctx, sessionID)
	}
	if err != nil {
		return false, err
	}

	c.RequestRefresh()
	return confirmed, nil
}
