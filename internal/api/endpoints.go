package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	apperrors "github.com/actionunit/aumanager/backend/internal/errors"
	"github.com/actionunit/aumanager/backend/internal/models"
)

// Record is a server representation of an entity: canonical field values
// keyed by their JSON names.
type Record map[string]json.RawMessage

// ID returns the server-assigned id, which may be a JSON number or string.
func (r Record) ID() string {
	raw, ok := r["id"]
	if !ok {
		return ""
	}
	var id models.RemoteID
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id.String()
}

func collectionPath(collection string) string {
	return "/api/" + collection + "/"
}

func itemPath(collection, id string) string {
	return "/api/" + collection + "/" + url.PathEscape(id) + "/"
}

// IdempotencyHeader carries the client key of a create. The server answers
// a repeated key with the record it already made.
const IdempotencyHeader = "Idempotency-Key"

// Create POSTs body to the collection endpoint. A non-empty key is sent as
// the idempotency key, so a retried create cannot make a second record.
func (c *Client) Create(ctx context.Context, collection, key string, body interface{}) (Record, error) {
	var header http.Header
	if key != "" {
		header = http.Header{IdempotencyHeader: []string{key}}
	}
	var rec Record
	if err := c.do(ctx, http.MethodPost, collectionPath(collection), body, &rec, true, header); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update PUTs body to the item endpoint of id.
func (c *Client) Update(ctx context.Context, collection, id string, body interface{}) (Record, error) {
	var rec Record
	if err := c.Do(ctx, http.MethodPut, itemPath(collection, id), body, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes id. A 404 means the record is already gone and is not an
// error.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	err := c.Do(ctx, http.MethodDelete, itemPath(collection, id), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// SubmitBookOrder moves a book order from draft to submitted.
func (c *Client) SubmitBookOrder(ctx context.Context, id string) (Record, error) {
	var rec Record
	path := fmt.Sprintf("/api/book-orders/%s/submit/", url.PathEscape(id))
	if err := c.Do(ctx, http.MethodPost, path, nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateChurchProfile updates the session's church. The server resolves the
// church from the token, so there is no id in the path.
func (c *Client) UpdateChurchProfile(ctx context.Context, body interface{}) (Record, error) {
	var rec Record
	if err := c.Do(ctx, http.MethodPut, "/api/church/profile/", body, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// LoginSuperintendent authenticates with email and password.
func (c *Client) LoginSuperintendent(ctx context.Context, email, password string) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/superintendent-login/", body, &resp, false, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LoginTeacherMember authenticates teachers and members by phone number.
func (c *Client) LoginTeacherMember(ctx context.Context, phone string) (*models.AuthResponse, error) {
	var resp models.AuthResponse
	body := map[string]string{"phone": phone}
	if err := c.do(ctx, http.MethodPost, "/api/auth/teacher-member-login/", body, &resp, false, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshToken exchanges a refresh token for a new access token. Any
// rejection, including 401, is reported as an authentication error since
// the session cannot continue with this refresh token.
func (c *Client) RefreshToken(ctx context.Context, refresh string) (string, error) {
	var resp struct {
		Access string `json:"access"`
	}
	body := map[string]string{"refresh": refresh}
	err := c.do(ctx, http.MethodPost, "/api/auth/token/refresh/", body, &resp, false, nil)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrRemoteRejection) {
			return "", apperrors.Authentication("refresh token rejected", err)
		}
		return "", err
	}
	if resp.Access == "" {
		return "", apperrors.Authentication("refresh response carried no access token", nil)
	}
	return resp.Access, nil
}

// SubscriptionStatus fetches the billing state of the session's church.
func (c *Client) SubscriptionStatus(ctx context.Context) (*models.SubscriptionStatus, error) {
	var status models.SubscriptionStatus
	if err := c.Do(ctx, http.MethodGet, "/api/subscription/status/", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
