package listapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyMembership_Allows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/lists/l1/membership" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if !c.VerifyMembership(context.Background(), "l1", "tok") {
		t.Fatal("expected membership to be confirmed")
	}
}

func TestVerifyMembership_DeniesOnNonSuccess(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := New(srv.URL, time.Second)
		if c.VerifyMembership(context.Background(), "l1", "tok") {
			t.Errorf("status %d must deny", status)
		}
		srv.Close()
	}
}

func TestVerifyMembership_DeniesOnUnreachableAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(srv.URL, time.Second)
	if c.VerifyMembership(context.Background(), "l1", "tok") {
		t.Fatal("unreachable API must deny")
	}
}

func TestVerifyMembership_DeniesOnTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, 50*time.Millisecond)
	start := time.Now()
	if c.VerifyMembership(context.Background(), "l1", "tok") {
		t.Fatal("stalled API must deny")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("denial took %s; timeout is not bounding the call", elapsed)
	}
}

func TestResolveRole(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Role
	}{
		{"owner", http.StatusOK, `{"role":"owner"}`, RoleOwner},
		{"admin", http.StatusOK, `{"role":"admin"}`, RoleAdmin},
		{"member", http.StatusOK, `{"role":"member"}`, RoleMember},
		{"unknown role value", http.StatusOK, `{"role":"superuser"}`, RoleNone},
		{"malformed body", http.StatusOK, `{`, RoleNone},
		{"forbidden", http.StatusForbidden, ``, RoleNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/lists/l1/members/u1/role" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := New(srv.URL, time.Second)
			if got := c.ResolveRole(context.Background(), "l1", "u1", "tok"); got != tc.want {
				t.Fatalf("expected role %q, got %q", tc.want, got)
			}
		})
	}
}

func TestResolveRole_NoneOnUnreachableAPI(t *testing.T) {
	c := New("http://127.0.0.1:0", time.Second)
	if got := c.ResolveRole(context.Background(), "l1", "u1", "tok"); got != RoleNone {
		t.Fatalf("expected RoleNone, got %q", got)
	}
}

func TestCreateNotification(t *testing.T) {
	var received Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/notifications" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	n := Notification{ListID: "l1", EventType: "product:added", ActorID: "u1", ProductName: "milk"}
	if err := c.CreateNotification(context.Background(), n, "tok"); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if received != n {
		t.Fatalf("expected %+v persisted, got %+v", n, received)
	}
}

func TestCreateNotification_ErrorOnFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if err := c.CreateNotification(context.Background(), Notification{ListID: "l1"}, "tok"); err == nil {
		t.Fatal("expected an error for a failure status")
	}
}

func TestRolePrivileged(t *testing.T) {
	if !RoleOwner.Privileged() || !RoleAdmin.Privileged() {
		t.Error("owner and admin are privileged")
	}
	if RoleMember.Privileged() || RoleNone.Privileged() {
		t.Error("member and none are not privileged")
	}
}
