package apps_test

import (
	"testing"

	"github.com/MegaGrindStone/go-apps"
)

func TestNegotiator_Negotiate(t *testing.T) {
	negotiator, err := apps.NewNegotiator()
	if err != nil {
		t.Fatalf("failed to create negotiator: %v", err)
	}

	tests := []struct {
		name     string
		identity string
		want     apps.SessionCapabilities
	}{
		{
			name:     "chatgpt host",
			identity: "chatgpt-desktop",
			want:     apps.SessionCapabilities{SupportsMultiInstance: true, Dialect: apps.DialectStructured},
		},
		{
			name:     "openai host",
			identity: "openai-api",
			want:     apps.SessionCapabilities{SupportsMultiInstance: true, Dialect: apps.DialectStructured},
		},
		{
			name:     "claude host",
			identity: "claude-ai",
			want:     apps.SessionCapabilities{SupportsMultiInstance: false, Dialect: apps.DialectText},
		},
		{
			name:     "anthropic host",
			identity: "anthropic-sdk",
			want:     apps.SessionCapabilities{SupportsMultiInstance: false, Dialect: apps.DialectText},
		},
		{
			name:     "unknown host gets conservative default",
			identity: "some-new-host",
			want:     apps.SessionCapabilities{SupportsMultiInstance: false, Dialect: apps.DialectBoth},
		},
		{
			name:     "empty identity gets conservative default",
			identity: "",
			want:     apps.SessionCapabilities{SupportsMultiInstance: false, Dialect: apps.DialectBoth},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := negotiator.Negotiate(tt.identity)
			if got != tt.want {
				t.Errorf("Negotiate(%q) = %+v, want %+v", tt.identity, got, tt.want)
			}
		})
	}
}

func TestNegotiator_NegotiateIsStable(t *testing.T) {
	negotiator, err := apps.NewNegotiator()
	if err != nil {
		t.Fatalf("failed to create negotiator: %v", err)
	}

	first := negotiator.Negotiate("chatgpt-desktop")
	for i := 0; i < 10; i++ {
		if got := negotiator.Negotiate("chatgpt-desktop"); got != first {
			t.Fatalf("Negotiate() = %+v on call %d, want %+v", got, i, first)
		}
	}
}

func TestNegotiator_CustomRulesWin(t *testing.T) {
	negotiator, err := apps.NewNegotiator(apps.IdentityRule{
		Pattern:      "chatgpt*",
		Capabilities: apps.SessionCapabilities{SupportsMultiInstance: false, Dialect: apps.DialectText},
	})
	if err != nil {
		t.Fatalf("failed to create negotiator: %v", err)
	}

	got := negotiator.Negotiate("chatgpt-desktop")
	want := apps.SessionCapabilities{SupportsMultiInstance: false, Dialect: apps.DialectText}
	if got != want {
		t.Errorf("Negotiate() = %+v, want custom rule result %+v", got, want)
	}
}

func TestNewNegotiator_InvalidPattern(t *testing.T) {
	_, err := apps.NewNegotiator(apps.IdentityRule{Pattern: "[invalid"})
	if err == nil {
		t.Fatal("expected error for invalid pattern, got nil")
	}
}
