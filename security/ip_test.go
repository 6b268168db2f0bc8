package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			trustProxy: false,
			want:       "192.168.1.100",
		},
		{
			name:          "X-Forwarded-For with trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			trustProxy:    true,
			want:          "203.0.113.1",
		},
		{
			name:          "X-Forwarded-For without trust",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "203.0.113.1",
			trustProxy:    false,
			want:          "10.0.0.1",
		},
		{
			name:       "X-Real-IP with trust",
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "203.0.113.1",
			trustProxy: true,
			want:       "203.0.113.1",
		},
		{
			name:       "X-Real-IP without trust",
			remoteAddr: "10.0.0.1:12345",
			xRealIP:    "203.0.113.1",
			trustProxy: false,
			want:       "10.0.0.1",
		},
		{
			name:              "X-Forwarded-For behind two proxies",
			remoteAddr:        "10.0.0.1:12345",
			xForwardedFor:     "203.0.113.1, 10.0.0.2, 10.0.0.3",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.1",
		},
		{
			name:          "X-Forwarded-For with whitespace",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: " 203.0.113.1 , 10.0.0.2 ",
			trustProxy:    true,
			want:          "203.0.113.1",
		},
		{
			name:          "X-Forwarded-For with invalid IP falls back",
			remoteAddr:    "10.0.0.1:12345",
			xForwardedFor: "not-an-ip",
			trustProxy:    true,
			want:          "10.0.0.1",
		},
		{
			name:       "IPv6 remote address",
			remoteAddr: "[::1]:12345",
			trustProxy: false,
			want:       "::1",
		},
		{
			name:       "malformed remote address",
			remoteAddr: "malformed",
			trustProxy: false,
			want:       "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := GetClientIP(req, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetClientIP_PreferenceOrder(t *testing.T) {
	// X-Forwarded-For wins over X-Real-IP when the proxy is trusted.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("X-Real-IP", "203.0.113.2")

	got := GetClientIP(req, true, 0)
	if got != "203.0.113.1" {
		t.Errorf("GetClientIP() should prefer X-Forwarded-For, got %q", got)
	}
}

func Test_clientIPFromForwarded(t *testing.T) {
	tests := []struct {
		name              string
		header            string
		trustedProxyCount int
		want              string
	}{
		{
			name:              "zero count defaults to one proxy",
			header:            "203.0.113.1, 10.0.0.2",
			trustedProxyCount: 0,
			want:              "203.0.113.1",
		},
		{
			name:              "one trusted proxy",
			header:            "203.0.113.1, 10.0.0.2",
			trustedProxyCount: 1,
			want:              "203.0.113.1",
		},
		{
			name:              "two trusted proxies",
			header:            "203.0.113.1, 10.0.0.2, 10.0.0.3",
			trustedProxyCount: 2,
			want:              "203.0.113.1",
		},
		{
			name:              "more trusted proxies than entries clamps to first",
			header:            "203.0.113.1",
			trustedProxyCount: 5,
			want:              "203.0.113.1",
		},
		{
			name:              "client spoofed extra entries",
			header:            "6.6.6.6, 203.0.113.1, 10.0.0.2",
			trustedProxyCount: 1,
			want:              "203.0.113.1",
		},
		{
			name:              "invalid entry rejected",
			header:            "garbage, 10.0.0.2",
			trustedProxyCount: 1,
			want:              "",
		},
		{
			name:              "empty header",
			header:            "",
			trustedProxyCount: 1,
			want:              "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clientIPFromForwarded(tt.header, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("clientIPFromForwarded(%q, %d) = %q, want %q",
					tt.header, tt.trustedProxyCount, got, tt.want)
			}
		})
	}
}
