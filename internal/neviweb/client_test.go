package neviweb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(
		WithBaseURL(server.URL+"/api/"),
		WithAuthBaseURL(server.URL+"/auth/"),
		WithHTTPClient(server.Client()),
	)
	return client, server
}

func TestLoginAndConnect(t *testing.T) {
	var loginRequests, connectRequests int

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			loginRequests++
			if r.Method != http.MethodPost {
				t.Fatalf("expected POST to login, got %s", r.Method)
			}
			body, _ := io.ReadAll(r.Body)
			var payload map[string]string
			if err := json.Unmarshal(body, &payload); err != nil {
				t.Fatalf("login body not json: %v", err)
			}
			if payload["refreshToken"] != "token-1" {
				t.Fatalf("expected refreshToken in body, got %q", string(body))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"access_token":"at-1","user":{"id":7,"account$id":12}}`)
		case "/auth/connect":
			connectRequests++
			if r.Header.Get("refreshToken") != "token-1" {
				t.Fatalf("expected refreshToken header, got %q", r.Header.Get("refreshToken"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"sessionId":"sess-1"}`)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	})

	result, err := client.Login(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.AccessToken != "at-1" || result.UserID != 7 || result.AccountID != 12 {
		t.Fatalf("unexpected login result: %+v", result)
	}
	if result.SessionID != "" {
		t.Fatalf("login response had no session, got %q", result.SessionID)
	}

	sessionID, err := client.Connect(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sessionID != "sess-1" {
		t.Fatalf("expected sess-1, got %q", sessionID)
	}
	if loginRequests != 1 || connectRequests != 1 {
		t.Fatalf("unexpected request counts: login=%d connect=%d", loginRequests, connectRequests)
	}
}

func TestConnectSessionKeyVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{"primary key", `{"session":"a"}`, "a", true},
		{"camel fallback", `{"sessionId":"b"}`, "b", true},
		{"snake fallback", `{"session_id":"c"}`, "c", true},
		{"priority order", `{"sessionId":"b","session":"a"}`, "a", true},
		{"null stops probe", `{"session":null,"sessionId":"b"}`, "", false},
		{"no candidate", `{"token":"x"}`, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, tc.body)
			})
			sessionID, err := client.Connect(context.Background(), "tok")
			if tc.ok {
				if err != nil {
					t.Fatalf("connect: %v", err)
				}
				if sessionID != tc.want {
					t.Fatalf("expected %q, got %q", tc.want, sessionID)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got session %q", sessionID)
			}
			if !IsAuthError(err) {
				t.Fatalf("expected auth error, got %v", err)
			}
		})
	}
}

func TestDevicesAbsentFieldIsEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("session-id") != "sess" {
			t.Fatalf("missing session-id header")
		}
		query := r.URL.Query()
		if query.Get("includedLocationChildren") != "true" || query.Get("location$id") != "42" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	})

	devices, err := client.Devices(context.Background(), "sess", 42)
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected empty listing, got %d devices", len(devices))
	}
}

func TestDeviceAttributesDefaults(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/device/9/attribute") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if !strings.Contains(r.URL.Query().Get("attributes"), "roomSetpoint") {
			t.Fatalf("expected batched attributes, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"setpointMode":"manual",
			"roomSetpoint":21.5,
			"roomTemperatureDisplay":{"value":19.0,"status":"on"},
			"outputPercentDisplay":{"percent":40},
			"occupancyMode":"home"
		}`)
	})

	state, err := client.DeviceAttributes(context.Background(), "sess", 9)
	if err != nil {
		t.Fatalf("attributes: %v", err)
	}
	if state.MinTemp != DefaultMinTemp || state.MaxTemp != DefaultMaxTemp {
		t.Fatalf("expected default limits, got [%v, %v]", state.MinTemp, state.MaxTemp)
	}
	if state.TargetTemp == nil || *state.TargetTemp != 21.5 {
		t.Fatalf("unexpected target temp: %v", state.TargetTemp)
	}
	if !state.Heating || state.HeatingPercent != 40 {
		t.Fatalf("expected heating from percent>0, got %+v", state)
	}
	if state.HVACAction() != "heating" {
		t.Fatalf("expected heating action, got %q", state.HVACAction())
	}
	if !state.HeatMode() {
		t.Fatalf("setpoint above minimum should count as heat mode")
	}
}

func TestSetTemperatureEchoMismatchIsSoftFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		// Backend clamps to 20 instead of echoing 22.5.
		_, _ = io.WriteString(w, `{"roomSetpoint":20.0}`)
	})

	confirmed, err := client.SetTemperature(context.Background(), "sess", 9, 22.5)
	if err != nil {
		t.Fatalf("set temperature: %v", err)
	}
	if confirmed {
		t.Fatalf("mismatched echo must not confirm")
	}
}

func TestSetSetpointModeRejectsInvalidBeforeNetwork(t *testing.T) {
	var requests int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	})

	_, err := client.SetSetpointMode(context.Background(), "sess", 9, "eco")
	if !IsUsageError(err) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if requests != 0 {
		t.Fatalf("invalid mode must not reach the backend, saw %d requests", requests)
	}

	confirmed, err := func() (bool, error) {
		client2, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"setpointMode":"schedule"}`)
		})
		return client2.SetSetpointMode(context.Background(), "sess", 9, ModeSchedule)
	}()
	if err != nil || !confirmed {
		t.Fatalf("valid mode should confirm, got confirmed=%v err=%v", confirmed, err)
	}
}

func TestDeviceCallUnauthorizedIsAuthError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Locations(context.Background(), "stale")
	if !IsAuthError(err) {
		t.Fatalf("expected auth error on 401, got %v", err)
	}

	_, err = client.DeviceAttributes(context.Background(), "stale", 9)
	if !IsAuthError(err) {
		t.Fatalf("expected auth error on 401, got %v", err)
	}
}

func TestDeviceCallServerErrorIsAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Locations(context.Background(), "sess")
	if err == nil || IsAuthError(err) {
		t.Fatalf("expected api error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", apiErr.Status)
	}
}
