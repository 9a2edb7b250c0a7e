package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"sifter/internal/config"
	"sifter/internal/store"
)

type cliTestEnv struct {
	configPath string
	cfg        *config.Config
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.TempRoot = filepath.Join(base, "work")
	cfgVal.Paths.DigestDir = filepath.Join(base, "digests")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.TTS.Provider = "mock"

	configPath := filepath.Join(base, "config.toml")
	encoded, err := toml.Marshal(cfgVal)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &cliTestEnv{configPath: configPath, cfg: &cfgVal}
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, fragment string) {
	t.Helper()
	if !strings.Contains(output, fragment) {
		t.Fatalf("output missing %q:\n%s", fragment, output)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("rewriting without --overwrite must fail")
	}
}

func TestUserAddAndList(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "user", "add", "ada@example.com",
		"--name", "Ada", "--interest", "ai", "--interest", "infrastructure", "--frequency", "weekly")
	if err != nil {
		t.Fatalf("user add: %v", err)
	}
	requireContains(t, out, "ada@example.com")
	requireContains(t, out, "weekly")

	out, _, err = runCLI(t, env.configPath, "user", "list")
	if err != nil {
		t.Fatalf("user list: %v", err)
	}
	requireContains(t, out, "ada@example.com")
	requireContains(t, out, "ai, infrastructure")
}

func TestUserAddRejectsBadFrequency(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env.configPath, "user", "add", "bob@example.com", "--frequency", "hourly"); err == nil {
		t.Fatal("invalid frequency must be rejected")
	}
}

func TestQueueListEmpty(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "Queue is empty")
}

func TestPodcastListEmpty(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "podcast", "list")
	if err != nil {
		t.Fatalf("podcast list: %v", err)
	}
	requireContains(t, out, "No podcasts registered")
}

func TestDigestRequiresValidPeriod(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env.configPath, "digest", "--user", "ada@example.com", "--period", "monthly"); err == nil {
		t.Fatal("invalid period must be rejected")
	}
}

func TestDigestShareTogglesVisibility(t *testing.T) {
	env := setupCLITestEnv(t)

	if err := os.MkdirAll(env.cfg.Paths.DataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(env.cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	user, err := st.CreateUser(ctx, "ada@example.com", "Ada", nil, store.PeriodDaily)
	if err != nil {
		t.Fatal(err)
	}
	digest, err := st.CreateDigest(ctx, user.ID, store.PeriodDaily, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, env.configPath, "digest", "share", digest.ID)
	if err != nil {
		t.Fatalf("digest share: %v", err)
	}
	requireContains(t, out, "share id")

	out, _, err = runCLI(t, env.configPath, "digest", "share", digest.ID, "--revoke")
	if err != nil {
		t.Fatalf("digest share --revoke: %v", err)
	}
	requireContains(t, out, "private")
}

func TestDigestShareUnknownDigestFails(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env.configPath, "digest", "share", "not-a-digest"); err == nil {
		t.Fatal("unknown digest id must be rejected")
	}
}
