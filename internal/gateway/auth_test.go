package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/turnstream/internal/gateway"
)

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{name: "bearer", target: "/ws", header: map[string]string{"Authorization": "Bearer k1"}, want: "k1"},
		{name: "x-api-key", target: "/ws", header: map[string]string{"X-API-Key": "k2"}, want: "k2"},
		{name: "query", target: "/ws?api_key=k3", want: "k3"},
		{name: "bearer wins", target: "/ws?api_key=k3", header: map[string]string{"Authorization": "Bearer k1", "X-API-Key": "k2"}, want: "k1"},
		{name: "header before query", target: "/ws?api_key=k3", header: map[string]string{"X-API-Key": "k2"}, want: "k2"},
		{name: "basic ignored", target: "/ws", header: map[string]string{"Authorization": "Basic abc"}, want: ""},
		{name: "none", target: "/ws", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := gateway.ExtractAPIKey(req); got != tt.want {
				t.Fatalf("ExtractAPIKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_Wrap(t *testing.T) {
	am := gateway.NewAuthMiddleware("secret-token")
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{name: "bearer", target: "/ws", header: map[string]string{"Authorization": "Bearer secret-token"}, want: http.StatusOK},
		{name: "x-api-key", target: "/ws", header: map[string]string{"X-API-Key": "secret-token"}, want: http.StatusOK},
		{name: "query", target: "/ws?api_key=secret-token", want: http.StatusOK},
		{name: "wrong key", target: "/ws", header: map[string]string{"X-API-Key": "nope"}, want: http.StatusUnauthorized},
		{name: "missing", target: "/ws", want: http.StatusUnauthorized},
		{name: "healthz exempt", target: "/healthz", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_EmptyTokenRejects(t *testing.T) {
	am := gateway.NewAuthMiddleware("")
	req := httptest.NewRequest("GET", "/ws?api_key=", nil)
	req.Header.Set("Authorization", "Bearer ")
	if am.Authorize(req) {
		t.Fatal("empty configured token must reject")
	}
}
