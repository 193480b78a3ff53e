// Package listapi is the client for the CRUD API that owns canonical list
// state. The realtime service consults it for two things: whether a bearer
// may join a list's room, and persisting notification records for events
// it has already broadcast live.
//
// Both access checks fail closed: a slow, unreachable or unhappy API means
// "no". Notification persistence is the opposite — best effort, at most
// once, and never allowed to block or roll back a live broadcast.
package listapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Role is a user's standing in a list as resolved by the CRUD API.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleNone   Role = "none"
)

// Privileged reports whether the role may perform member management.
func (r Role) Privileged() bool { return r == RoleOwner || r == RoleAdmin }

// Notification is the persisted record of a realtime event.
type Notification struct {
	ListID      string `json:"listId"`
	EventType   string `json:"eventType"`
	ActorID     string `json:"actorId"`
	ActorName   string `json:"actorName,omitempty"`
	ProductID   string `json:"productId,omitempty"`
	ProductName string `json:"productName,omitempty"`
}

// Client calls the CRUD API with a bounded per-call timeout.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New constructs a Client for the API at baseURL. Every call is bounded by
// timeout regardless of the caller's context.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// VerifyMembership reports whether the bearer of token is owner or member
// of listID. Network failure, timeout or a non-200 response all deny.
func (c *Client) VerifyMembership(ctx context.Context, listID, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/api/lists/" + url.PathEscape(listID) + "/membership"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ResolveRole returns userID's role in listID, or RoleNone on any failure.
func (c *Client) ResolveRole(ctx context.Context, listID, userID, token string) Role {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + "/api/lists/" + url.PathEscape(listID) + "/members/" + url.PathEscape(userID) + "/role"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return RoleNone
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return RoleNone
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RoleNone
	}

	var body struct {
		Role Role `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RoleNone
	}
	switch body.Role {
	case RoleOwner, RoleAdmin, RoleMember:
		return body.Role
	default:
		return RoleNone
	}
}

// CreateNotification persists n. Callers treat the returned error as
// log-and-drop: the live broadcast has already happened.
func (c *Client) CreateNotification(ctx context.Context, n Notification, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notifications", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post notification: unexpected status %d", resp.StatusCode)
	}
	return nil
}
