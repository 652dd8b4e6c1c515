package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 24, cfg.Auth.TokenTTLHours)
	assert.Equal(t, 10, cfg.Pipeline.GraceWindowMin)
	assert.Equal(t, "max", cfg.Pipeline.WindowRule)
	assert.Equal(t, 30, cfg.Pipeline.HeartbeatPeriodSec)
	assert.Equal(t, 120, cfg.Pipeline.FinalizerTickSec)
	assert.Equal(t, 15, cfg.Pipeline.SessionIdleGraceMin)
	assert.Equal(t, "sha256", cfg.Cards.HashAlgo)
	assert.Equal(t, "http://localhost:8080", cfg.Cards.PublicBaseURL)
	assert.Equal(t, 4, cfg.Notify.Workers)
	assert.Equal(t, "17:00", cfg.Notify.DigestCutoffLocalTime)
	assert.False(t, cfg.Notify.CloudTasksEnabled())
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_YAMLValuesSurviveDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
server:
  port: "9090"
pipeline:
  grace_window_min: 5
  window_rule: cumulative
cards:
  public_base_url: https://cards.example.org
auth:
  approved_officer_domains: [court.example.gov]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pipeline.GraceWindowMin)
	assert.Equal(t, "cumulative", cfg.Pipeline.WindowRule)
	assert.Equal(t, "https://cards.example.org", cfg.Cards.PublicBaseURL)
	// Untouched sections still get their defaults.
	assert.Equal(t, 30, cfg.Pipeline.HeartbeatPeriodSec)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("APPROVED_OFFICER_DOMAINS", "court.example.gov,probation.example.gov")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"court.example.gov", "probation.example.gov"}, cfg.Auth.ApprovedOfficerDomains)
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_AcceptsDefaultsRejectsUnknownOptions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Cards.HashAlgo = "md5"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash_algo")

	cfg.Cards.HashAlgo = "sha256"
	cfg.Pipeline.WindowRule = "median"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_rule")

	cfg.Pipeline.WindowRule = "cumulative"
	assert.NoError(t, cfg.Validate())
}

func TestCloudTasksEnabled_RequiresAllFourSettings(t *testing.T) {
	n := NotifyConfig{
		TasksProject:  "proj",
		TasksLocation: "us-central1",
		TasksQueue:    "mail",
	}
	assert.False(t, n.CloudTasksEnabled(), "relay URL missing")

	n.MailRelayURL = "https://relay.example.org/send"
	assert.True(t, n.CloudTasksEnabled())
}

func TestOfficerDomainApproved(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.ApprovedOfficerDomains = []string{"court.example.gov", " Probation.Example.Gov "}

	cases := []struct {
		email string
		want  bool
	}{
		{"reyes@court.example.gov", true},
		{"reyes@COURT.EXAMPLE.GOV", true},
		{"x@probation.example.gov", true},
		{"reyes@gmail.example.com", false},
		{"not-an-email", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cfg.OfficerDomainApproved(tc.email), tc.email)
	}
}

func TestOfficerDomainApproved_EmptyListApprovesNothing(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.OfficerDomainApproved("anyone@court.example.gov"))
}
