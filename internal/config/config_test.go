package config

import (
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("report.signing_secret", "s3cret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "tally.db" || cfg.ContentDir != "content" {
		t.Fatalf("unexpected storage defaults: %q %q", cfg.DatabasePath, cfg.ContentDir)
	}
	if cfg.BotName != "tally" {
		t.Fatalf("unexpected bot name: %q", cfg.BotName)
	}
	if cfg.Location.String() != "UTC" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected missing signing secret to be rejected")
	}
}

func TestLoadRejectsInvalidLocation(t *testing.T) {
	configViper := NewViper()
	configViper.Set("report.signing_secret", "s3cret")
	configViper.Set("time.location", "Mars/Olympus")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected invalid location to be rejected")
	}
}

func TestLoadParsesLocation(t *testing.T) {
	configViper := NewViper()
	configViper.Set("report.signing_secret", "s3cret")
	configViper.Set("time.location", "America/New_York")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Location.String() != "America/New_York" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
}
