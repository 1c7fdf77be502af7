package session

import (
	"context"
	"sync"
	"testing"

	"github.com/joshp123/schluter-go/internal/neviweb"
)

type fakeAPI struct {
	mu       sync.Mutex
	logins   int
	connects int

	loginErr   error
	connectErr error
	session    string
	loginHasID bool
}

func (f *fakeAPI) Login(_ context.Context, _ string) (neviweb.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr != nil {
		return neviweb.LoginResult{}, f.loginErr
	}
	result := neviweb.LoginResult{AccessToken: "at", UserID: 1}
	if f.loginHasID {
		result.SessionID = f.session
	}
	return result, nil
}

func (f *fakeAPI) Connect(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return f.session, nil
}

func (f *fakeAPI) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.connects
}

func TestLoginConnectsWhenNoSessionReturned(t *testing.T) {
	api := &fakeAPI{session: "sess-1"}
	m := NewManager("home", api, "token", nil)

	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if m.SessionID() != "sess-1" {
		t.Fatalf("expected sess-1, got %q", m.SessionID())
	}
	logins, connects := api.counts()
	if logins != 1 || connects != 1 {
		t.Fatalf("unexpected counts: logins=%d connects=%d", logins, connects)
	}
}

func TestLoginSkipsConnectWhenSessionInResponse(t *testing.T) {
	api := &fakeAPI{session: "sess-2", loginHasID: true}
	m := NewManager("home", api, "token", nil)

	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, connects := api.counts(); connects != 0 {
		t.Fatalf("expected no connect call, got %d", connects)
	}
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	api := &fakeAPI{session: "sess-1"}
	m := NewManager("home", api, "token", nil)

	for i := 0; i < 3; i++ {
		sessionID, err := m.EnsureSession(context.Background())
		if err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
		if sessionID != "sess-1" {
			t.Fatalf("ensure %d: got %q", i, sessionID)
		}
	}
	if _, connects := api.counts(); connects != 1 {
		t.Fatalf("expected one connect, got %d", connects)
	}
}

func TestInvalidateForcesReconnect(t *testing.T) {
	api := &fakeAPI{session: "sess-1"}
	m := NewManager("home", api, "token", nil)

	if _, err := m.EnsureSession(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	m.Invalidate()
	if m.Authenticated() {
		t.Fatalf("invalidated manager still authenticated")
	}

	api.session = "sess-2"
	sessionID, err := m.EnsureSession(context.Background())
	if err != nil {
		t.Fatalf("ensure after invalidate: %v", err)
	}
	if sessionID != "sess-2" {
		t.Fatalf("expected fresh session, got %q", sessionID)
	}
}

func TestFailedLoginClearsState(t *testing.T) {
	api := &fakeAPI{session: "sess-1"}
	m := NewManager("home", api, "token", nil)
	if err := m.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}

	api.loginErr = &neviweb.AuthError{Op: "login", Status: 401}
	if err := m.Login(context.Background()); err == nil {
		t.Fatalf("expected login failure")
	}
	if m.Authenticated() {
		t.Fatalf("failed login must clear derived credentials")
	}
}

func TestConcurrentEnsureSingleConnect(t *testing.T) {
	api := &fakeAPI{session: "sess-1"}
	m := NewManager("home", api, "token", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureSession(context.Background()); err != nil {
				t.Errorf("ensure: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, connects := api.counts(); connects != 1 {
		t.Fatalf("expected a single connect across callers, got %d", connects)
	}
}
