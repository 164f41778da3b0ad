package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestValidateProductionRejectsWeakSettings(t *testing.T) {
	base := Config{
		AppEnv:        "production",
		AuthSecret:    "a-long-enough-secret",
		ManagerPIN:    "482913",
		AllowedOrigin: "https://pos.example.com",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid production config, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.AuthSecret = "" }},
		{"short secret", func(c *Config) { c.AuthSecret = "short" }},
		{"missing pin", func(c *Config) { c.ManagerPIN = "" }},
		{"sequential pin", func(c *Config) { c.ManagerPIN = "123456" }},
		{"repeated pin", func(c *Config) { c.ManagerPIN = "999999" }},
		{"wildcard origin", func(c *Config) { c.AllowedOrigin = "*" }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateDevelopmentIsLenient(t *testing.T) {
	cfg := Config{AppEnv: "development"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected development config to pass, got %v", err)
	}
}
