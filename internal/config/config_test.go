package config

import (
	"os"
	"testing"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func clearACSEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ACS_CONNECTION_STRING", "ACS_SENDER_ADDRESS", "LISTEN_ADDR",
		"MAX_EMAIL_SIZE", "ACS_ALLOWED_SENDER_DOMAINS", "RUST_LOG", "LOG_LEVEL",
		"HOSTNAME", "HAPROXY_PROTOCOL",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadMissingConnectionString(t *testing.T) {
	clearACSEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when ACS_CONNECTION_STRING is unset")
	}
}

func TestLoadMissingSenderAddress(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=https://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
	})
	if _, err := Load(); err == nil {
		t.Fatal("expected error when ACS_SENDER_ADDRESS is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=https://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
		"ACS_SENDER_ADDRESS":    "noreply@example.com",
	})

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", c.ListenAddr, defaultListenAddr)
	}
	if c.MaxEmailSize != defaultMaxEmailSize {
		t.Errorf("MaxEmailSize = %d, want default %d", c.MaxEmailSize, defaultMaxEmailSize)
	}
	if len(c.AllowedSenderDomains) != 0 {
		t.Errorf("AllowedSenderDomains = %v, want empty", c.AllowedSenderDomains)
	}
	if c.Endpoint.Host != "example.communication.azure.com" {
		t.Errorf("Endpoint.Host = %q", c.Endpoint.Host)
	}
	if string(c.AccessKey) != "0123456789" {
		t.Errorf("AccessKey = %q, want %q", c.AccessKey, "0123456789")
	}
	if c.Hostname == "" {
		t.Error("Hostname = \"\", want a non-empty fallback")
	}
}

func TestLoadHostnameOverride(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=https://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
		"ACS_SENDER_ADDRESS":    "noreply@example.com",
		"HOSTNAME":              "mx.example.com",
	})

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Hostname != "mx.example.com" {
		t.Errorf("Hostname = %q, want %q", c.Hostname, "mx.example.com")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING":      "endpoint=https://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
		"ACS_SENDER_ADDRESS":         "noreply@example.com",
		"LISTEN_ADDR":                "127.0.0.1:2525",
		"MAX_EMAIL_SIZE":             "100",
		"ACS_ALLOWED_SENDER_DOMAINS": "Tenant.Example, other.example",
	})

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.ListenAddr != "127.0.0.1:2525" {
		t.Errorf("ListenAddr = %q", c.ListenAddr)
	}
	if c.MaxEmailSize != 100 {
		t.Errorf("MaxEmailSize = %d", c.MaxEmailSize)
	}
	if !c.AllowedSenderDomains["tenant.example"] || !c.AllowedSenderDomains["other.example"] {
		t.Errorf("AllowedSenderDomains = %v", c.AllowedSenderDomains)
	}
}

func TestLoadRejectsNonHTTPSEndpoint(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=http://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
		"ACS_SENDER_ADDRESS":    "noreply@example.com",
	})
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-https endpoint")
	}
}

func TestLoadRejectsBadAccessKey(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=https://example.communication.azure.com;accesskey=not-base64!!",
		"ACS_SENDER_ADDRESS":    "noreply@example.com",
	})
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid base64 access key")
	}
}

func TestLoadHAProxyProtocol(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=https://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
		"ACS_SENDER_ADDRESS":    "noreply@example.com",
		"HAPROXY_PROTOCOL":      "true",
	})
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.HAProxyEnabled {
		t.Error("HAProxyEnabled = false, want true")
	}
}

func TestLoadRejectsInvalidHAProxyProtocol(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=https://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
		"ACS_SENDER_ADDRESS":    "noreply@example.com",
		"HAPROXY_PROTOCOL":      "not-a-bool",
	})
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid HAPROXY_PROTOCOL")
	}
}

func TestLoadRejectsInvalidMaxEmailSize(t *testing.T) {
	clearACSEnv(t)
	setEnv(t, map[string]string{
		"ACS_CONNECTION_STRING": "endpoint=https://example.communication.azure.com;accesskey=MDEyMzQ1Njc4OQ==",
		"ACS_SENDER_ADDRESS":    "noreply@example.com",
		"MAX_EMAIL_SIZE":        "not-a-number",
	})
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric MAX_EMAIL_SIZE")
	}
}
