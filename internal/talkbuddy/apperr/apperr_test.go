package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/bdobrica/talkbuddy/internal/talkbuddy/apperr"
)

func TestHTTPStatus(t *testing.T) {
	driverErr := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid", apperr.Invalid("Session ID required"), http.StatusBadRequest},
		{"not found", apperr.NotFound("character", "zed"), http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("lookup: %w", apperr.NotFound("character", "zed")), http.StatusNotFound},
		{"store", apperr.StoreUnavailable("append message", driverErr), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apperr.HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStoreUnavailable_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := apperr.StoreUnavailable("list messages", cause)
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Error("expected ErrStoreUnavailable in chain")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
}

func TestPublicMessage_HidesDriverDetails(t *testing.T) {
	err := apperr.StoreUnavailable("get character", errors.New("password authentication failed for user chat"))
	msg := apperr.PublicMessage(err)
	if strings.Contains(msg, "password") {
		t.Fatalf("driver detail leaked: %q", msg)
	}

	in := apperr.Invalid("Message required")
	if got := apperr.PublicMessage(in); !strings.Contains(got, "Message required") {
		t.Errorf("expected descriptive message, got %q", got)
	}
}
