package neviweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Production origins. Auth (login/connect) and device data live on
// separate backends; the session id travels as a custom header on every
// device-data call.
const (
	DefaultBaseURL     = "https://schluterditraheat.com/api/"
	DefaultAuthBaseURL = "https://mobile-api.neviweb.com/api/"

	requestTimeout = 30 * time.Second

	sessionHeader = "session-id"
	refreshHeader = "refreshToken"
)

// Client talks to the Schluter DITRA-HEAT cloud API. It holds no
// session state of its own; credentials are supplied per call by the
// session manager.
type Client struct {
	baseURL     string
	authBaseURL string
	httpClient  *http.Client
	log         *zap.Logger
}

type Option func(*Client)

func WithBaseURL(deviceURL string) Option {
	return func(c *Client) { c.baseURL = ensureSlash(deviceURL) }
}

func WithAuthBaseURL(authURL string) Option {
	return func(c *Client) { c.authBaseURL = ensureSlash(authURL) }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		authBaseURL: DefaultAuthBaseURL,
		httpClient:  &http.Client{Timeout: requestTimeout},
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoginResult carries the derived credentials returned by the auth
// backend. SessionID may be empty; Connect establishes one in that
// case.
type LoginResult struct {
	AccessToken string
	SessionID   string
	UserID      int64
	AccountID   int64
}

// Login exchanges the long-lived refresh token for an access token and
// user/account identity. Any transport error, non-2xx status, or
// unparseable body is an AuthError.
func (c *Client) Login(ctx context.Context, refreshToken string) (LoginResult, error) {
	payload := map[string]string{"refreshToken": refreshToken}

	resp, err := c.do(ctx, http.MethodPost, c.authBaseURL+"login", "", payload, nil)
	if err != nil {
		return LoginResult{}, &AuthError{Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp.Body)
		return LoginResult{}, &AuthError{Op: "login", Status: resp.StatusCode}
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return LoginResult{}, &AuthError{Op: "login", Err: fmt.Errorf("decode response: %w", err)}
	}

	result := LoginResult{}
	result.AccessToken, _ = stringField(raw, "access_token", "accessToken")
	result.SessionID, _ = stringField(raw, "session")

	if userRaw, ok := raw["user"]; ok {
		var user struct {
			ID        int64 `json:"id"`
			AccountID int64 `json:"account$id"`
			AltID     int64 `json:"accountId"`
		}
		if err := json.Unmarshal(userRaw, &user); err == nil {
			result.UserID = user.ID
			result.AccountID = user.AccountID
			if result.AccountID == 0 {
				result.AccountID = user.AltID
			}
		}
	}

	c.log.Debug("login succeeded", zap.Int64("user_id", result.UserID), zap.Int64("account_id", result.AccountID))
	return result, nil
}

// Connect exchanges the refresh token for a session id. The backend is
// inconsistent about the response key; candidates are probed in
// priority order and a matched-but-null key is still a failure.
func (c *Client) Connect(ctx context.Context, refreshToken string) (string, error) {
	headers := map[string]string{refreshHeader: refreshToken}

	resp, err := c.do(ctx, http.MethodPost, c.authBaseURL+"connect", "", nil, headers)
	if err != nil {
		return "", &AuthError{Op: "connect", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp.Body)
		return "", &AuthError{Op: "connect", Status: resp.StatusCode}
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", &AuthError{Op: "connect", Err: fmt.Errorf("decode response: %w", err)}
	}

	sessionID, match := stringField(raw, "session", "sessionId", "session_id")
	switch {
	case match == fieldMissing:
		return "", &AuthError{Op: "connect", Err: fmt.Errorf("no session id in response")}
	case match == fieldNull:
		return "", &AuthError{Op: "connect", Err: fmt.Errorf("null session id in response")}
	case sessionID == "":
		return "", &AuthError{Op: "connect", Err: fmt.Errorf("empty session id in response")}
	}

	return sessionID, nil
}

// Locations lists the sites visible to the authenticated account.
func (c *Client) Locations(ctx context.Context, sessionID string) ([]Location, error) {
	if sessionID == "" {
		return nil, &APIError{Op: "locations", Err: fmt.Errorf("session not established")}
	}

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"location", sessionID, nil, nil)
	if err != nil {
		return nil, classify("locations", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("locations", resp); err != nil {
		return nil, err
	}

	var locations []Location
	if err := json.NewDecoder(resp.Body).Decode(&locations); err != nil {
		return nil, &APIError{Op: "locations", Err: fmt.Errorf("decode response: %w", err)}
	}
	return locations, nil
}

// Devices lists the thermostats at one location. A missing "devices"
// field yields an empty slice, not an error.
func (c *Client) Devices(ctx context.Context, sessionID string, locationID int64) ([]Device, error) {
	if sessionID == "" {
		return nil, &APIError{Op: "devices", Err: fmt.Errorf("session not established")}
	}

	query := url.Values{}
	query.Set("includedLocationChildren", "true")
	query.Set("location$id", strconv.FormatInt(locationID, 10))

	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"devices?"+query.Encode(), sessionID, nil, nil)
	if err != nil {
		return nil, classify("devices", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("devices", resp); err != nil {
		return nil, err
	}

	var body struct {
		Devices []Device `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &APIError{Op: "devices", Err: fmt.Errorf("decode response: %w", err)}
	}
	return body.Devices, nil
}

// DeviceAttributes fetches the full status of one thermostat in a
// single batched attribute request. Fields the backend omits fall back
// to their documented defaults instead of failing the call.
func (c *Client) DeviceAttributes(ctx context.Context, sessionID string, deviceID int64) (Thermostat, error) {
	if sessionID == "" {
		return Thermostat{}, &APIError{Op: "attributes", Err: fmt.Errorf("session not established")}
	}

	query := url.Values{}
	query.Set("attributes", strings.Join(statusAttributes, ","))
	endpoint := fmt.Sprintf("%sdevice/%d/attribute?%s", c.baseURL, deviceID, query.Encode())

	resp, err := c.do(ctx, http.MethodGet, endpoint, sessionID, nil, nil)
	if err != nil {
		return Thermostat{}, classify("attributes", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("attributes", resp); err != nil {
		return Thermostat{}, err
	}

	var body struct {
		SetpointMode           *string  `json:"setpointMode"`
		RoomSetpoint           *float64 `json:"roomSetpoint"`
		RoomSetpointMin        *float64 `json:"roomSetpointMin"`
		RoomSetpointMax        *float64 `json:"roomSetpointMax"`
		RoomTemperatureDisplay struct {
			Value  *float64 `json:"value"`
			Status string   `json:"status"`
		} `json:"roomTemperatureDisplay"`
		OutputPercentDisplay struct {
			Percent int `json:"percent"`
		} `json:"outputPercentDisplay"`
		OccupancyMode    *string `json:"occupancyMode"`
		GFCIStatus       *string `json:"gfciStatus"`
		AirFloorMode     *string `json:"airFloorMode"`
		FloorSetpointPwm *int    `json:"floorSetpointPwm"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Thermostat{}, &APIError{Op: "attributes", Err: fmt.Errorf("decode response: %w", err)}
	}

	t := Thermostat{
		DeviceID:          deviceID,
		CurrentTemp:       body.RoomTemperatureDisplay.Value,
		TargetTemp:        body.RoomSetpoint,
		MinTemp:           DefaultMinTemp,
		MaxTemp:           DefaultMaxTemp,
		Heating:           body.OutputPercentDisplay.Percent > 0,
		HeatingPercent:    body.OutputPercentDisplay.Percent,
		FloorSetpointPWM:  body.FloorSetpointPwm,
		TempDisplayStatus: body.RoomTemperatureDisplay.Status,
	}
	if body.RoomSetpointMin != nil {
		t.MinTemp = *body.RoomSetpointMin
	}
	if body.RoomSetpointMax != nil {
		t.MaxTemp = *body.RoomSetpointMax
	}
	if body.SetpointMode != nil {
		t.SetpointMode = *body.SetpointMode
	}
	if body.OccupancyMode != nil {
		t.OccupancyMode = *body.OccupancyMode
	}
	if body.GFCIStatus != nil {
		t.GFCIStatus = *body.GFCIStatus
	}
	if body.AirFloorMode != nil {
		t.AirFloorMode = *body.AirFloorMode
	}

	return t, nil
}

// WriteAttributes sends an attribute update and returns the echoed
// attribute map. The backend may silently clamp or ignore a write, so
// callers compare the echo against the request.
func (c *Client) WriteAttributes(ctx context.Context, sessionID string, deviceID int64, attrs map[string]any) (map[string]any, error) {
	if sessionID == "" {
		return nil, &APIError{Op: "write", Err: fmt.Errorf("session not established")}
	}

	endpoint := fmt.Sprintf("%sdevice/%d/attribute", c.baseURL, deviceID)
	resp, err := c.do(ctx, http.MethodPut, endpoint, sessionID, attrs, nil)
	if err != nil {
		return nil, classify("write", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("write", resp); err != nil {
		return nil, err
	}

	var echoed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&echoed); err != nil {
		return nil, &APIError{Op: "write", Err: fmt.Errorf("decode response: %w", err)}
	}
	return echoed, nil
}

// SetTemperature writes the target setpoint and reports whether the
// backend echoed the exact requested value. A mismatch is a soft
// failure, not an error.
func (c *Client) SetTemperature(ctx context.Context, sessionID string, deviceID int64, celsius float64) (bool, error) {
	echoed, err := c.WriteAttributes(ctx, sessionID, deviceID, map[string]any{attrRoomSetpoint: celsius})
	if err != nil {
		return false, err
	}
	value, ok := echoed[attrRoomSetpoint].(float64)
	confirmed := ok && value == celsius
	if !confirmed {
		c.log.Warn("setpoint not confirmed",
			zap.Int64("device_id", deviceID),
			zap.Float64("requested", celsius),
			zap.Any("echoed", echoed[attrRoomSetpoint]))
	}
	return confirmed, nil
}

// SetSetpointMode writes the operating mode. Anything other than
// "manual" or "schedule" is a UsageError rejected before any network
// call.
func (c *Client) SetSetpointMode(ctx context.Context, sessionID string, deviceID int64, mode string) (bool, error) {
	if mode != ModeManual && mode != ModeSchedule {
		return false, &UsageError{Msg: fmt.Sprintf("invalid mode %q: must be %q or %q", mode, ModeManual, ModeSchedule)}
	}
	echoed, err := c.WriteAttributes(ctx, sessionID, deviceID, map[string]any{attrSetpointMode: mode})
	if err != nil {
		return false, err
	}
	value, ok := echoed[attrSetpointMode].(string)
	return ok && value == mode, nil
}

// SetOccupancy writes the home/away state. Anything other than "home"
// or "away" is a UsageError rejected before any network call.
func (c *Client) SetOccupancy(ctx context.Context, sessionID string, deviceID int64, occupancy string) (bool, error) {
	if occupancy != OccupancyHome && occupancy != OccupancyAway {
		return false, &UsageError{Msg: fmt.Sprintf("invalid occupancy %q: must be %q or %q", occupancy, OccupancyHome, OccupancyAway)}
	}
	echoed, err := c.WriteAttributes(ctx, sessionID, deviceID, map[string]any{attrOccupancyMode: occupancy})
	if err != nil {
		return false, err
	}
	value, ok := echoed[attrOccupancyMode].(string)
	return ok && value == occupancy, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, sessionID string, payload any, headers map[string]string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	// The client timeout would cancel streaming reads mid-body; the
	// per-request context already carries the ceiling.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// checkStatus translates a non-2xx device-data response into the error
// taxonomy: 401/403 means the session was rejected, everything else is
// an API failure.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	drain(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Op: op, Status: resp.StatusCode}
	}
	return &APIError{Op: op, Status: resp.StatusCode}
}

// classify wraps transport-level failures on device-data calls.
// Timeouts are API failures here; only the auth calls treat them as
// authentication failures.
func classify(op string, err error) error {
	return &APIError{Op: op, Err: err}
}

func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
}

func ensureSlash(raw string) string {
	if raw == "" || strings.HasSuffix(raw, "/") {
		return raw
	}
	return raw + "/"
}
