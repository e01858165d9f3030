package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
discord:
  token: abc
  logo_url: https://example.com/logo.png
logging:
  level: debug
  console: true
bridge:
  await_timeout: 10s
campaigns:
  tick: "@every 30s"
delivery:
  rate_per_sec: 2
storage:
  driver: memory
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Bridge.AwaitTimeoutOrDefault(); got != 10*time.Second {
		t.Fatalf("await timeout = %v", got)
	}
	if got := cfg.Bridge.ResultTTLOrDefault(); got != DefaultResultTTL {
		t.Fatalf("result ttl = %v", got)
	}
	if !cfg.Campaigns.IsEnabled() {
		t.Fatal("campaigns should default to enabled")
	}
	if cfg.Delivery.BurstOrDefault() != 1 || cfg.Delivery.SampleOrDefault() != 3 {
		t.Fatalf("delivery defaults = %+v", cfg.Delivery)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	cases := map[string]string{
		"unknown.json":  `{"discord":{"token":"x"},"plugins":{}}`,
		"trailing.json": `{"discord":{"token":"x"}} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewManager(writeFile(t, name, body)).Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"ok", Config{Discord: DiscordConfig{Token: "t"}}, ""},
		{"missing token", Config{}, "discord.token"},
		{"bad tick", Config{Discord: DiscordConfig{Token: "t"}, Campaigns: CampaignsConfig{Tick: "every minute"}}, "campaigns.tick"},
		{"bad duration", Config{Discord: DiscordConfig{Token: "t"}, Bridge: BridgeConfig{OpTimeout: "soon"}}, "bridge.op_timeout"},
		{"ttl below await", Config{Discord: DiscordConfig{Token: "t"}, Bridge: BridgeConfig{ResultTTL: "1s"}}, "result_ttl"},
		{"postgres without dsn", Config{Discord: DiscordConfig{Token: "t"}, Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"unknown driver", Config{Discord: DiscordConfig{Token: "t"}, Storage: StorageConfig{Driver: "mongo"}}, "unknown driver"},
		{"telegram without owners", Config{Discord: DiscordConfig{Token: "t"}, Telegram: &TelegramConfig{Token: "x"}}, "owner_user_ids"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeFlagsRestartSections(t *testing.T) {
	oldCfg := &Config{Discord: DiscordConfig{Token: "a"}}
	newCfg := &Config{Discord: DiscordConfig{Token: "b", LogoURL: "https://x"}, Delivery: DeliveryConfig{RatePerSec: 5}}

	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"delivery", "discord", "discord.token"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(restart) != 1 || restart[0] != "discord.token" {
		t.Fatalf("restart = %v", restart)
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	path := writeFile(t, "config.json", `{"discord":{"token":"x"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	if err := m.reload(context.Background()); !errors.Is(err, errUnchanged) {
		t.Fatalf("unchanged file: err = %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"discord":{"token":"x","logo_url":"https://l"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.reload(context.Background()); err != nil {
		t.Fatalf("changed file should publish: %v", err)
	}
	if got := (<-ch).Discord.LogoURL; got != "https://l" {
		t.Fatalf("published logo = %q", got)
	}

	if err := os.WriteFile(path, []byte(`{"discord":{"token":""}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.reload(context.Background()); err == nil {
		t.Fatal("invalid config must not publish")
	}
	if m.Get().Discord.LogoURL != "https://l" {
		t.Fatal("rejected config replaced the committed one")
	}
	if st := m.LastReload(); st.Published || st.Error == "" {
		t.Fatalf("last reload = %+v", st)
	}
}

func TestNormalizeTick(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{"", DefaultTick, false},
		{"@every 1m", "@every 1m", false},
		{"*/2 * * * *", "*/2 * * * *", false},
		{"90s", "@every 1m30s", false},
		{"00:05", "@every 5m0s", false},
		{"0s", "", true},
		{"00:75", "", true},
		{"soon", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeTick(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("NormalizeTick(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestEnvReferencesExpand(t *testing.T) {
	t.Setenv("CASTBOT_TEST_TOKEN", "from-env")
	body := strings.Replace(sampleYAML, "token: abc", "token: ${CASTBOT_TEST_TOKEN}", 1)
	cfg, err := NewManager(writeFile(t, "config.yml", body)).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Discord.Token)
	}
}

func TestYAMLRejectsMultipleDocuments(t *testing.T) {
	_, err := NewManager(writeFile(t, "config.yaml", sampleYAML+"---\ndiscord:\n  token: x\n")).Parse()
	if err == nil || !strings.Contains(err.Error(), "multiple documents") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("zero = %v, %v", d, err)
	}
}
