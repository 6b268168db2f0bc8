package server

import (
	"io"
	"log/slog"
	"testing"
)

func TestConfig_EndpointURLs(t *testing.T) {
	config := &Config{Issuer: "https://bridge.example.com"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"authorization", config.AuthorizationEndpoint(), "https://bridge.example.com/authorize"},
		{"token", config.TokenEndpoint(), "https://bridge.example.com/token"},
		{"registration", config.RegistrationEndpoint(), "https://bridge.example.com/register"},
		{"callback", config.CallbackEndpoint(), "https://bridge.example.com/callback"},
		{"protected resource metadata", config.ProtectedResourceMetadataEndpoint(), "https://bridge.example.com/.well-known/oauth-protected-resource"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s endpoint = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	config := &Config{Issuer: "https://bridge.example.com/"}
	applyDefaults(config)

	if config.Issuer != "https://bridge.example.com" {
		t.Errorf("Issuer = %q, want trailing slash stripped", config.Issuer)
	}
	if config.PendingAuthorizationTTL != 600 {
		t.Errorf("PendingAuthorizationTTL = %d, want 600", config.PendingAuthorizationTTL)
	}
	if config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", config.AccessTokenTTL)
	}
	if config.RefreshTokenTTL != 7776000 {
		t.Errorf("RefreshTokenTTL = %d, want 7776000", config.RefreshTokenTTL)
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
	if config.MaxClientsPerIP != 10 {
		t.Errorf("MaxClientsPerIP = %d, want 10", config.MaxClientsPerIP)
	}
}

func TestApplyDefaults_ExplicitValuesKept(t *testing.T) {
	config := &Config{
		Issuer:                  "https://bridge.example.com",
		PendingAuthorizationTTL: 120,
		AuthorizationCodeTTL:    60,
		AccessTokenTTL:          7200,
		RefreshTokenTTL:         86400,
		TrustedProxyCount:       3,
		MaxClientsPerIP:         2,
	}
	applyDefaults(config)

	if config.PendingAuthorizationTTL != 120 || config.AuthorizationCodeTTL != 60 ||
		config.AccessTokenTTL != 7200 || config.RefreshTokenTTL != 86400 {
		t.Errorf("explicit TTLs overwritten: %+v", config)
	}
	if config.TrustedProxyCount != 3 || config.MaxClientsPerIP != 2 {
		t.Errorf("explicit limits overwritten: %+v", config)
	}
}

func TestValidateIssuer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name              string
		issuer            string
		allowInsecureHTTP bool
		wantErr           bool
	}{
		{"https issuer", "https://bridge.example.com", false, false},
		{"https with port", "https://bridge.example.com:8443", false, false},
		{"http loopback", "http://localhost:8080", false, false},
		{"http 127.0.0.1", "http://127.0.0.1:9000", false, false},
		{"http public host", "http://bridge.example.com", false, true},
		{"http public host with override", "http://bridge.example.com", true, false},
		{"empty", "", false, true},
		{"missing host", "https://", false, true},
		{"not a URL", "bridge.example.com", false, true},
		{"unsupported scheme", "ftp://bridge.example.com", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &Config{
				Issuer:            tt.issuer,
				AllowInsecureHTTP: tt.allowInsecureHTTP,
			}
			err := validateIssuer(config, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateIssuer(%q) error = %v, wantErr %v", tt.issuer, err, tt.wantErr)
			}
		})
	}
}
