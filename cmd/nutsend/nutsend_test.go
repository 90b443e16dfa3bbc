package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elnosh/nutsend/wallet/leader"
)

func TestWalletConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NUTSEND_PATH", dir)
	t.Setenv("MINT_URL", "")
	t.Setenv("NUTSEND_USER_ID", "")
	t.Setenv("NUTSEND_LEASE_TTL", "")

	conf, err := walletConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.path != dir || conf.mintURL != defaultMintURL || conf.userID != defaultUserID {
		t.Fatalf("unexpected default config: %+v", conf)
	}
	if conf.leaseTTL != leader.DefaultTTL {
		t.Fatalf("expected lease ttl '%v' but got '%v'", leader.DefaultTTL, conf.leaseTTL)
	}

	// .env in the wallet dir fills what the environment leaves empty
	env := "MINT_URL=http://mint.example.com/\nNUTSEND_USER_ID=alice\nNUTSEND_LEASE_TTL=10s\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("MINT_URL")
	os.Unsetenv("NUTSEND_USER_ID")
	os.Unsetenv("NUTSEND_LEASE_TTL")

	conf, err = walletConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.mintURL != "http://mint.example.com" {
		t.Fatalf("expected mint url 'http://mint.example.com' but got '%v'", conf.mintURL)
	}
	if conf.userID != "alice" {
		t.Fatalf("expected user 'alice' but got '%v'", conf.userID)
	}
	if conf.leaseTTL != 10*time.Second {
		t.Fatalf("expected lease ttl '10s' but got '%v'", conf.leaseTTL)
	}

	t.Setenv("NUTSEND_LEASE_TTL", "soon")
	if _, err := walletConfig(); err == nil {
		t.Fatal("expected error for invalid lease ttl")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("info", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("unexpected log output: %s", buf.String())
	}

	if _, err := newLogger("disable", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := newLogger("verbose", &buf); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseCurrency(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"btc", true},
		{"USD", true},
		{"eur", false},
	}
	for _, test := range tests {
		_, err := parseCurrency(test.in)
		if (err == nil) != test.valid {
			t.Errorf("parseCurrency(%q): unexpected error '%v'", test.in, err)
		}
	}
}
