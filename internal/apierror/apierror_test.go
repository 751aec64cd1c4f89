package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestKindStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindInsufficientCapacity, http.StatusServiceUnavailable},
		{KindSandboxCreateError, http.StatusInternalServerError},
		{KindSandboxNotFound, http.StatusNotFound},
		{KindChallengeInFlight, http.StatusConflict},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.kind.Status(); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.kind, tc.want, got)
		}
	}
}

func TestRespond_WireShape(t *testing.T) {
	w := httptest.NewRecorder()
	Respond(w, KindInsufficientCapacity, "not enough free capacity", errors.New("reserve: 8g requested, 2g free"))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	var resp FailureResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.Status != "failure" {
		t.Errorf("expected status failure, got %q", resp.Status)
	}
	if resp.Error != KindInsufficientCapacity {
		t.Errorf("expected kind insufficient_capacity, got %q", resp.Error)
	}
	if resp.Message != "not enough free capacity" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestRespond_NeverLeaksInternalError(t *testing.T) {
	w := httptest.NewRecorder()
	Respond(w, KindSandboxCreateError, "failed to create sandbox", errors.New("docker: image pull: secret detail"))

	body := w.Body.String()
	if strings.Contains(body, "secret detail") || strings.Contains(body, "image pull") {
		t.Errorf("internal error leaked to client: %s", body)
	}
}
