package testutil

import (
	"io"
	"net/http"
	"net/url"
	"testing"
)

func TestAssertStatusCode(t *testing.T) {
	fakeT := &testing.T{}
	AssertStatusCode(fakeT, http.StatusOK, http.StatusOK)
	if fakeT.Failed() {
		t.Error("expected no failure for matching status codes")
	}
}

func TestNewLocalRequest(t *testing.T) {
	req := NewLocalRequest(http.MethodGet, "/debug/devices")
	if req.Method != http.MethodGet {
		t.Errorf("method = %s, want GET", req.Method)
	}
	if req.URL.Path != "/debug/devices" {
		t.Errorf("path = %s, want /debug/devices", req.URL.Path)
	}
	if req.RemoteAddr != LocalAddr {
		t.Errorf("remote addr = %s, want %s", req.RemoteAddr, LocalAddr)
	}
}

func TestNewFormRequest(t *testing.T) {
	req := NewFormRequest("/debug/send-command-api", url.Values{"device": {"etl"}, "command": {"X"}})
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if got := req.FormValue("device"); got != "etl" {
		t.Errorf("device = %q, want etl", got)
	}
	if got := req.FormValue("command"); got != "X" {
		t.Errorf("command = %q, want X", got)
	}
}

func TestServe(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, r.RemoteAddr)
	})
	rec := Serve(h, NewLocalRequest(http.MethodGet, "/"))
	AssertStatusCode(t, rec.Code, http.StatusTeapot)
	if rec.Body.String() != LocalAddr {
		t.Errorf("body = %q", rec.Body.String())
	}
}
