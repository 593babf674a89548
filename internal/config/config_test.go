package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.Provisioning.Count)
	assert.Equal(t, "10minutemail", cfg.Provisioning.Channel)
	assert.Equal(t, "+86", cfg.Provisioning.CountryCode)
	assert.Equal(t, 3, cfg.Provisioning.DelaySeconds)
	assert.Equal(t, 2, cfg.Provisioning.RetryCount)
	assert.Equal(t, 60, cfg.Provisioning.CaptchaTimeoutSeconds)
	assert.Equal(t, "random", cfg.Provisioning.UserAgent)
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "127.0.0.1", cfg.Web.Host)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Provisioning, cfg.Provisioning)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
store_backend = "sqlite"
data_dir = "/var/lib/orch"

[provisioning]
register_url = "https://example.test/register"
default_password = "s3cret"
count = 10
channel = "guerrillamail"
delay_seconds = 1

[joining]
targets_file = "~/groups.yaml"

[web]
port = 9000

[[schedule]]
name = "nightly"
cron = "0 22 * * *"
kind = "provision"
count = 20
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Provisioning.Count)
	assert.Equal(t, "+86", cfg.Provisioning.CountryCode, "unset keys keep defaults")
	assert.Equal(t, 9000, cfg.Web.Port)
	assert.Equal(t, "/var/lib/orch/orchestrator.db", cfg.StorePath())

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "groups.yaml"), cfg.Joining.TargetsFile)

	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, domain.JobProvision, cfg.Schedules[0].Kind)
	assert.Equal(t, 20, cfg.Schedules[0].Count)

	pc := cfg.ProvisionConfig()
	assert.Equal(t, "s3cret", pc.Credential)
	assert.Equal(t, "guerrillamail", pc.Channel)
	assert.Equal(t, time.Minute, pc.CaptchaTimeout)
	assert.Equal(t, time.Second, cfg.ProvisionDelay())
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad backend": "[general]\nstore_backend = \"redis\"\n",
		"zero count":  "[provisioning]\ncount = 0\n",
		"bad mode":    "[joining]\nmode = \"carrier-pigeon\"\n",
		"bad rate":    "[joining]\nsuccess_rate = 1.5\n",
		"bad cron":    "[[schedule]]\nname = \"x\"\ncron = \"whenever\"\nkind = \"provision\"\n",
		"dup schedule": "[[schedule]]\nname = \"x\"\ncron = \"* * * * *\"\nkind = \"provision\"\n" +
			"[[schedule]]\nname = \"x\"\ncron = \"* * * * *\"\nkind = \"provision\"\n",
		"not toml": "[[[",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := Default()
	cfg.Provisioning.RegisterURL = "https://example.test"
	cfg.Notifications.SlackWebhook = "https://hooks.example.test/x"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Provisioning, loaded.Provisioning)
	assert.Equal(t, cfg.Notifications, loaded.Notifications)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStorePath(t *testing.T) {
	cfg := Default()
	cfg.General.DataDir = "/data"
	assert.Equal(t, "/data/accounts.json", cfg.StorePath())

	cfg.General.StorePath = "/elsewhere/a.json"
	assert.Equal(t, "/elsewhere/a.json", cfg.StorePath())
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/foo", filepath.Join(home, "foo")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandPath(tt.input), tt.input)
	}
}
