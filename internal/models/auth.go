package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// RemoteID is a server identifier. The backend emits integer primary keys
// while the local store works with strings, so both JSON forms decode.
type RemoteID string

// UnmarshalJSON accepts a JSON string or number.
func (r *RemoteID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RemoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = RemoteID(n.String())
	return nil
}

// String returns the id.
func (r RemoteID) String() string { return string(r) }

// FromInt formats an integer id.
func FromInt(n int64) RemoteID { return RemoteID(strconv.FormatInt(n, 10)) }

// AuthUser is the user block of a login response.
type AuthUser struct {
	ID        RemoteID `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone,omitempty"`
	Role      Role     `json:"role"`
	Church    RemoteID `json:"church,omitempty"`
	IsOfficer bool     `json:"is_officer"`
}

// AuthChurch is the church block of a login response.
type AuthChurch struct {
	ID   RemoteID `json:"id"`
	Name string   `json:"name"`
}

// AuthResponse is returned by the login endpoints.
type AuthResponse struct {
	Access    string      `json:"access"`
	Refresh   string      `json:"refresh"`
	IsOfficer bool        `json:"is_officer"`
	User      AuthUser    `json:"user"`
	Church    *AuthChurch `json:"church,omitempty"`
	Message   string      `json:"message,omitempty"`
	Offline   bool        `json:"offline,omitempty"`
}

// ChurchID returns the church of the session, preferring the church block.
func (r *AuthResponse) ChurchID() string {
	if r.Church != nil && r.Church.ID != "" {
		return r.Church.ID.String()
	}
	return r.User.Church.String()
}

// CachedAuth is the last successful online login kept for offline fallback.
// No password is stored.
type CachedAuth struct {
	Identifier string       `json:"identifier"`
	Role       Role         `json:"role"`
	Response   AuthResponse `json:"response"`
	Timestamp  time.Time    `json:"timestamp"`
}

// FreshAt reports whether the cache is still within window at now.
func (c *CachedAuth) FreshAt(now time.Time, window time.Duration) bool {
	return now.Sub(c.Timestamp) <= window
}

// SessionUser is the identity derived from a login.
type SessionUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Church    string `json:"church,omitempty"`
	IsOfficer bool   `json:"is_officer"`
}

// SubscriptionStatus is the billing state consumed from the API.
type SubscriptionStatus struct {
	IsActive         bool   `json:"is_active"`
	Plan             string `json:"plan"` // free_trial, quarterly, annual, expired
	TrialEndDate     string `json:"trial_end_date"`
	CurrentPeriodEnd string `json:"current_period_end"`
	Status           string `json:"status"` // active, trialing, past_due, canceled, unpaid
	GracePeriodEnd   string `json:"grace_period_end,omitempty"`
	DaysRemaining    *int   `json:"days_remaining,omitempty"`
}
