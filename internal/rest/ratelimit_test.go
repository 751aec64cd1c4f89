package rest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func limitedHandler(rps float64, burst int, trusted []*net.IPNet) http.Handler {
	return rateLimitByIP(rps, burst, trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(handler http.Handler, remoteAddr string, headers map[string]string) int {
	req := httptest.NewRequest("POST", "/allocate", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimitByIP_BurstThenReject(t *testing.T) {
	handler := limitedHandler(0.001, 2, nil)

	for i := 0; i < 2; i++ {
		if code := hit(handler, "10.0.0.1:9999", nil); code != http.StatusOK {
			t.Fatalf("burst request %d: got %d, want 200", i, code)
		}
	}
	if code := hit(handler, "10.0.0.1:9999", nil); code != http.StatusTooManyRequests {
		t.Fatalf("over-limit request: got %d, want 429", code)
	}
}

func TestRateLimitByIP_PerIPIsolation(t *testing.T) {
	handler := limitedHandler(0.001, 1, nil)

	if code := hit(handler, "1.1.1.1:1000", nil); code != http.StatusOK {
		t.Fatalf("IP A first: got %d, want 200", code)
	}
	if code := hit(handler, "1.1.1.1:1000", nil); code != http.StatusTooManyRequests {
		t.Fatalf("IP A second: got %d, want 429", code)
	}
	if code := hit(handler, "2.2.2.2:2000", nil); code != http.StatusOK {
		t.Fatalf("IP B: got %d, want 200", code)
	}
}

func TestRateLimitByIP_SpoofedHeaderIgnored(t *testing.T) {
	handler := limitedHandler(0.001, 1, nil)

	if code := hit(handler, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "1.2.3.4"}); code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", code)
	}
	// A rotating forwarded header must not mint fresh limiters when the
	// peer is not a trusted proxy.
	if code := hit(handler, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "5.6.7.8"}); code != http.StatusTooManyRequests {
		t.Fatalf("spoofed header bypassed limit: got %d, want 429", code)
	}
}

func TestRateLimitByIP_TrustedProxyHeaderHonored(t *testing.T) {
	_, proxyNet, _ := net.ParseCIDR("10.0.0.0/8")
	handler := limitedHandler(0.001, 1, []*net.IPNet{proxyNet})

	if code := hit(handler, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "1.2.3.4"}); code != http.StatusOK {
		t.Fatalf("client A via proxy: got %d, want 200", code)
	}
	// Distinct clients behind the trusted proxy get their own buckets.
	if code := hit(handler, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "5.6.7.8"}); code != http.StatusOK {
		t.Fatalf("client B via proxy: got %d, want 200", code)
	}
	if code := hit(handler, "10.0.0.1:9999", map[string]string{"X-Forwarded-For": "1.2.3.4"}); code != http.StatusTooManyRequests {
		t.Fatalf("client A repeat: got %d, want 429", code)
	}
}

func TestParseCIDRs(t *testing.T) {
	nets := parseCIDRs([]string{"10.0.0.0/8", "192.0.2.7", "not-a-cidr"}, nil)
	if len(nets) != 2 {
		t.Fatalf("parsed %d nets, want 2", len(nets))
	}
	if !nets[0].Contains(net.ParseIP("10.1.2.3")) {
		t.Error("10.0.0.0/8 should contain 10.1.2.3")
	}
	if !nets[1].Contains(net.ParseIP("192.0.2.7")) {
		t.Error("bare IP should parse as /32")
	}
}
