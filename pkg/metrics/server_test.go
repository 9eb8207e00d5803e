package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		code   int
		body   string
	}{
		{"no check", nil, http.StatusOK, "ok\n"},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK, "ok\n"},
		{"unhealthy", func(context.Context) error { return errors.New("pool destroyed") }, http.StatusServiceUnavailable, "unhealthy: pool destroyed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewRouter(tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
}

func TestNewServerDefaults(t *testing.T) {
	s := NewServer(ServerConfig{})
	assert.Equal(t, 9090, s.Port())
}
