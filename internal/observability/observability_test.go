package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"DEBUG":   zapcore.DebugLevel,
		" warn ":  zapcore.WarnLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, want := range tests {
		logger, err := NewLogger(input)
		if err != nil {
			t.Fatalf("NewLogger(%q) failed: %v", input, err)
		}
		if !logger.Core().Enabled(want) || (want > zapcore.DebugLevel && logger.Core().Enabled(want-1)) {
			t.Errorf("NewLogger(%q): expected level %s", input, want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	r := chi.NewRouter()
	r.Use(RequestLogger(zap.New(core)))
	r.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/o1", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("expected warn for 404, got %s", entries[0].Level)
	}
	fields := entries[0].ContextMap()
	if fields["route"] != "/orders/{orderID}" {
		t.Errorf("expected route pattern, got %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusNotFound) {
		t.Errorf("expected status 404, got %v", fields["status"])
	}
}
