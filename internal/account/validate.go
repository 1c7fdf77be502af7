package account

import (
	"context"
	"fmt"

	"github.com/joshp123/schluter-go/internal/neviweb"
)

// ValidationAPI is the slice of the vendor client needed to vet a
// refresh token before an entry is created or updated.
type ValidationAPI interface {
	Login(ctx context.Context, refreshToken string) (neviweb.LoginResult, error)
	Connect(ctx context.Context, refreshToken string) (string, error)
	Locations(ctx context.Context, sessionID string) ([]neviweb.Location, error)
}

// ValidationResult summarizes a successful token check.
type ValidationResult struct {
	UserID    int64
	AccountID int64
	Locations []neviweb.Location
}

// ValidateToken runs the full credential chain with a candidate
// refresh token: login, session establishment, and a location listing.
// It proves the token works end to end without touching any persisted
// state.
func ValidateToken(ctx context.Context, api ValidationAPI, refreshToken string) (ValidationResult, error) {
	if refreshToken == "" {
		return ValidationResult{}, &neviweb.UsageError{Msg: "refresh token is required"}
	}

	login, err := api.Login(ctx, refreshToken)
	if err != nil {
		return ValidationResult{}, err
	}

	sessionID := login.SessionID
	if sessionID == "" {
		sessionID, err = api.Connect(ctx, refreshToken)
		if err != nil {
			return ValidationResult{}, err
		}
	}

	locations, err := api.Locations(ctx, sessionID)
	if err != nil {
		return ValidationResult{}, err
	}
	if len(locations) == 0 {
		return ValidationResult{}, fmt.Errorf("token valid but account has no locations")
	}

	return ValidationResult{
		UserID:    login.UserID,
		AccountID: login.AccountID,
		Locations: locations,
	}, nil
}
