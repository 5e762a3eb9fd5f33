package appclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/g960059/midiroute/internal/model"
)

func TestRequestErrorDecoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"schema_version":"v1","error":{"code":"E_ROUTE_INVALID","message":"source equals target"}}`))
	}))
	defer ts.Close()
	c := NewWithClient(ts.URL, ts.Client())
	_, err := c.Routes(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}
	if reqErr.Code != model.ErrRouteInvalid || reqErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("reqErr = %+v", reqErr)
	}
	if reqErr.Error() != "E_ROUTE_INVALID: source equals target" {
		t.Fatalf("message = %q", reqErr.Error())
	}
}

func TestHealthRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"schema_version":"v1","status":"ok","session_state":"running"}`))
	}))
	defer ts.Close()
	c := NewWithClient(ts.URL, ts.Client())
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != "ok" || h.SessionState != "running" {
		t.Fatalf("health = %+v", h)
	}
}

func TestRequestErrorMessageFallbacks(t *testing.T) {
	cases := []struct {
		err  RequestError
		want string
	}{
		{RequestError{StatusCode: 500}, "http 500"},
		{RequestError{StatusCode: 400, Code: "E_X"}, "E_X"},
		{RequestError{StatusCode: 400, Message: "broken"}, "broken"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("Error() = %q, want %q", got, tc.want)
		}
	}
}
