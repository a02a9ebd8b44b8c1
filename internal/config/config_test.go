package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"callbank/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("loc-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Location.ID != "loc-1" {
		t.Fatalf("location id %q", cfg.Location.ID)
	}
	if cfg.Claim.DefaultBatch != 10 {
		t.Fatalf("default batch %d", cfg.Claim.DefaultBatch)
	}
	if cfg.Completion.Rule != "rated_or_noted" {
		t.Fatalf("completion rule %q", cfg.Completion.Rule)
	}
	for _, role := range []string{"organizer", "caller", "observer"} {
		if _, ok := cfg.RBAC.Roles[role]; !ok {
			t.Fatalf("default config missing role %s", role)
		}
	}
	for _, group := range []string{"organizer", "volunteer", "guest"} {
		if _, ok := cfg.RBAC.Groups[group]; !ok {
			t.Fatalf("default config missing group %s", group)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*config.Config)
		frag  string
	}{
		{"missing location id", func(c *config.Config) { c.Location.ID = "" }, "location.id"},
		{"negative retries", func(c *config.Config) { c.Claim.MaxRetries = -1 }, "max_retries"},
		{"negative backoff", func(c *config.Config) { c.Claim.BackoffMS = -5 }, "backoff_ms"},
		{"zero batch", func(c *config.Config) { c.Claim.DefaultBatch = 0 }, "default_batch"},
		{"unknown rule", func(c *config.Config) { c.Completion.Rule = "vibes" }, "rule"},
		{"bad effect", func(c *config.Config) {
			c.RBAC.Roles["caller"] = config.RBACRole{Pages: map[string]string{"tasks.view": "maybe"}}
		}, "effect"},
		{"unknown page", func(c *config.Config) {
			c.RBAC.Roles["caller"] = config.RBACRole{Pages: map[string]string{"nonexistent.page": "allow"}}
		}, "unknown page"},
		{"unknown role in group", func(c *config.Config) {
			c.RBAC.Groups["volunteer"] = []string{"phantom"}
		}, "unknown role"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := config.Default("loc-1")
			c.mut(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), c.frag) {
				t.Fatalf("error %q does not mention %q", err, c.frag)
			}
		})
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("loc-9")))
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if cfg.Location.ID != "loc-9" {
		t.Fatalf("location id %q", cfg.Location.ID)
	}
	if _, err := config.FromYAML([]byte("{not yaml")); err == nil {
		t.Fatalf("expected parse error")
	}
	// parseable but invalid must fail too
	if _, err := config.FromYAML([]byte("location:\n  id: \"\"\n")); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file should be nil, nil; got %v, %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "callbank.yml"), []byte(config.GenerateDefault("loc-2")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg == nil || cfg.Location.ID != "loc-2" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestPath(t *testing.T) {
	if got := config.Path(""); got != filepath.Join(".", "callbank.yml") {
		t.Fatalf("empty workspace path %q", got)
	}
	if got := config.Path("/tmp/ws"); got != filepath.Join("/tmp/ws", "callbank.yml") {
		t.Fatalf("path %q", got)
	}
}
