package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("google.client_id", "client-id")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.TokenTTL != defaultTokenTTLMinutes*time.Minute {
		t.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
	if cfg.InviteTTL != defaultInviteTTLHours*time.Hour {
		t.Fatalf("unexpected invite ttl %v", cfg.InviteTTL)
	}
	if cfg.GoogleJWKSURL != defaultGoogleJWKSURL {
		t.Fatalf("unexpected jwks url %q", cfg.GoogleJWKSURL)
	}
	if cfg.FreeListLimit != defaultFreeListLimit || cfg.FreeMemberLimit != defaultFreeMemberLimit {
		t.Fatalf("unexpected plan limits %d/%d", cfg.FreeListLimit, cfg.FreeMemberLimit)
	}
	if cfg.NotifyWorkers != defaultNotifyWorkers {
		t.Fatalf("unexpected notify concurrency %d", cfg.NotifyWorkers)
	}
	if cfg.FCMServerKey != "" {
		t.Fatalf("expected empty fcm server key by default, got %q", cfg.FCMServerKey)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("google.client_id", "client-id")
	configViper.Set("http.address", "127.0.0.1:9999")
	configViper.Set("token.ttl_minutes", 5)
	configViper.Set("invite.ttl_hours", 48)
	configViper.Set("notify.fcm_server_key", "fcm-key")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9999" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
	if cfg.InviteTTL != 48*time.Hour {
		t.Fatalf("unexpected invite ttl %v", cfg.InviteTTL)
	}
	if cfg.FCMServerKey != "fcm-key" {
		t.Fatalf("unexpected fcm server key %q", cfg.FCMServerKey)
	}
}

func TestLoadRejectsMissingRequiredValues(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(v *viper.Viper)
		want    string
	}{
		{
			name: "missing signing secret",
			prepare: func(v *viper.Viper) {
				v.Set("google.client_id", "client-id")
			},
			want: "auth.signing_secret",
		},
		{
			name: "missing google client id",
			prepare: func(v *viper.Viper) {
				v.Set("auth.signing_secret", "secret")
			},
			want: "google.client_id",
		},
		{
			name: "blank database path",
			prepare: func(v *viper.Viper) {
				v.Set("auth.signing_secret", "secret")
				v.Set("google.client_id", "client-id")
				v.Set("database.path", "  ")
			},
			want: "database.path",
		},
		{
			name: "non-positive invite ttl",
			prepare: func(v *viper.Viper) {
				v.Set("auth.signing_secret", "secret")
				v.Set("google.client_id", "client-id")
				v.Set("invite.ttl_hours", 0)
			},
			want: "invite.ttl_hours",
		},
		{
			name: "non-positive notify concurrency",
			prepare: func(v *viper.Viper) {
				v.Set("auth.signing_secret", "secret")
				v.Set("google.client_id", "client-id")
				v.Set("notify.concurrency", 0)
			},
			want: "notify.concurrency",
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			testCase.prepare(configViper)

			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error to mention %q, got %v", testCase.want, err)
			}
		})
	}
}
