package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		wantHSTS  bool
	}{
		{
			name:      "HTTPS server",
			serverURL: "https://books.example.com",
			wantHSTS:  true,
		},
		{
			name:      "HTTP server",
			serverURL: "http://localhost:8080",
			wantHSTS:  false,
		},
		{
			name:      "invalid URL",
			serverURL: "://invalid",
			wantHSTS:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			SetSecurityHeaders(w, tt.serverURL)

			wantFixed := map[string]string{
				"X-Frame-Options":         "DENY",
				"X-Content-Type-Options":  "nosniff",
				"X-XSS-Protection":        "1; mode=block",
				"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
				"Referrer-Policy":         "no-referrer",
				"Cache-Control":           "no-store, no-cache, must-revalidate, private",
				"Pragma":                  "no-cache",
			}
			for header, want := range wantFixed {
				if got := w.Header().Get(header); got != want {
					t.Errorf("%s = %q, want %q", header, got, want)
				}
			}

			hsts := w.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS {
				if hsts != "max-age=31536000; includeSubDomains" {
					t.Errorf("Strict-Transport-Security = %q, want %q", hsts, "max-age=31536000; includeSubDomains")
				}
			} else if hsts != "" {
				t.Errorf("Strict-Transport-Security should not be set for HTTP, got %q", hsts)
			}
		})
	}
}

func TestSetSecurityHeaders_AllHeadersPresent(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://books.example.com")

	requiredHeaders := []string{
		"X-Frame-Options",
		"X-Content-Type-Options",
		"X-XSS-Protection",
		"Content-Security-Policy",
		"Referrer-Policy",
		"Cache-Control",
		"Pragma",
		"Strict-Transport-Security",
	}

	for _, header := range requiredHeaders {
		if w.Header().Get(header) == "" {
			t.Errorf("Header %q should be set", header)
		}
	}
}
