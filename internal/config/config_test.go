package config

import (
	"strings"
	"testing"
	"time"
)

const testSecretKey = "0123456789abcdef0123"

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("comments.secret_key", testSecretKey)
	configViper.Set("comments.base_url", "https://comments.example.com")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.DSN != defaultDatabaseDSN {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Comments.MaxLength != 3000 || cfg.Comments.DuplicateWindow != time.Minute || cfg.Comments.FormMaxAge != 2*time.Hour {
		t.Fatalf("unexpected comment defaults %+v", cfg.Comments)
	}
	if cfg.Comments.EditCooldown != 24*time.Hour {
		t.Fatalf("expected a 24 hour edit cooldown, got %s", cfg.Comments.EditCooldown)
	}
	if cfg.CacheTTL != 10*time.Minute {
		t.Fatalf("expected 10 minute cache ttl, got %s", cfg.CacheTTL)
	}
	if cfg.Auth.Enabled() {
		t.Fatalf("auth must stay disabled without a signing secret")
	}
	if !cfg.Comments.ConfirmEmail {
		t.Fatalf("confirmation by email should default to enabled")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TREECOMMENTS_COMMENTS_SECRET_KEY", testSecretKey)
	t.Setenv("TREECOMMENTS_COMMENTS_CONFIRM_EMAIL", "false")
	t.Setenv("TREECOMMENTS_COMMENTS_MARKUPS", "plain,markdown")
	t.Setenv("TREECOMMENTS_DATABASE_DRIVER", "Postgres")
	t.Setenv("TREECOMMENTS_DATABASE_DSN", "host=localhost dbname=comments")
	t.Setenv("TREECOMMENTS_MAIL_MODERATORS", "mod@example.com, lead@example.com")
	t.Setenv("TREECOMMENTS_CAPABILITIES_DEFAULT_ALLOW_FEEDBACK", "true")
	t.Setenv("TREECOMMENTS_CAPABILITIES_DEFAULT_MAX_THREAD_DEPTH", "4")
	t.Setenv("TREECOMMENTS_COMMENTS_EDIT_COOLDOWN", "0s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}
	if strings.Join(cfg.Comments.Markups, "|") != "plain|markdown" {
		t.Fatalf("unexpected markups %v", cfg.Comments.Markups)
	}
	if len(cfg.Mail.Moderators) != 2 || cfg.Mail.Moderators[1] != "lead@example.com" {
		t.Fatalf("unexpected moderators %v", cfg.Mail.Moderators)
	}
	if !cfg.Capabilities.Default.AllowFeedback || cfg.Capabilities.Default.MaxThreadDepth != 4 {
		t.Fatalf("unexpected capability defaults %+v", cfg.Capabilities.Default)
	}
	if cfg.Comments.EditCooldown != 0 {
		t.Fatalf("a zero edit cooldown must be kept, got %s", cfg.Comments.EditCooldown)
	}
}

func TestLoadReadsCapabilityOverridesAndTargets(t *testing.T) {
	configViper := NewViper()
	configViper.Set("comments.secret_key", testSecretKey)
	configViper.Set("comments.confirm_email", false)
	configViper.Set("capabilities.overrides", []map[string]interface{}{
		{"content_type": "blog.post", "allow_flagging": true, "max_thread_depth": 3, "flatten_at_max": true},
	})
	configViper.Set("targets", []map[string]interface{}{
		{"content_type": "blog.post", "title": "Post {id}", "url": "https://blog.example.com/posts/{id}"},
	})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Capabilities.Overrides) != 1 {
		t.Fatalf("expected one override, got %+v", cfg.Capabilities.Overrides)
	}
	override := cfg.Capabilities.Overrides[0]
	if override.ContentType != "blog.post" || !override.AllowFlagging || override.MaxThreadDepth != 3 || !override.FlattenAtMax {
		t.Fatalf("unexpected override %+v", override)
	}
	if len(cfg.Targets) != 1 || cfg.Targets[0].URL != "https://blog.example.com/posts/{id}" {
		t.Fatalf("unexpected targets %+v", cfg.Targets)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]interface{}
		message  string
	}{
		{
			name:     "missing secret",
			settings: map[string]interface{}{"comments.confirm_email": false},
			message:  "comments.secret_key",
		},
		{
			name:     "unknown driver",
			settings: map[string]interface{}{"comments.secret_key": testSecretKey, "comments.confirm_email": false, "database.driver": "mysql"},
			message:  "database.driver",
		},
		{
			name:     "confirmation without base url",
			settings: map[string]interface{}{"comments.secret_key": testSecretKey},
			message:  "comments.base_url",
		},
		{
			name:     "negative edit cooldown",
			settings: map[string]interface{}{"comments.secret_key": testSecretKey, "comments.confirm_email": false, "comments.edit_cooldown": "-1h"},
			message:  "comments.edit_cooldown",
		},
		{
			name: "override without content type",
			settings: map[string]interface{}{
				"comments.secret_key":    testSecretKey,
				"comments.confirm_email": false,
				"capabilities.overrides": []map[string]interface{}{{"allow_flagging": true}},
			},
			message: "content_type",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
