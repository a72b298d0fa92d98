package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Game struct {
		TimeLimit time.Duration `mapstructure:"time_limit"`
		Lives     int
	}

	Moderators struct {
		Elevated []string
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	tests := map[string]struct {
		yaml   string
		env    map[string]string
		assert func(t *testing.T, c testConfig, err error)
	}{
		"values come from the file": {
			yaml: "http:\n  port: 8080\ngame:\n  time_limit: 20s\n  lives: 5\nmoderators:\n  elevated: [root]\n",
			assert: func(t *testing.T, c testConfig, err error) {
				require.NoError(t, err)
				assert.EqualValues(t, 8080, c.HTTP.Port)
				assert.Equal(t, 20*time.Second, c.Game.TimeLimit)
				assert.Equal(t, 5, c.Game.Lives)
				assert.Equal(t, []string{"root"}, c.Moderators.Elevated)
			},
		},
		"environment overrides the file": {
			yaml: "http:\n  port: 8080\ngame:\n  time_limit: 20s\n",
			env:  map[string]string{"HTTP_PORT": "9090", "GAME_TIME_LIMIT": "7s"},
			assert: func(t *testing.T, c testConfig, err error) {
				require.NoError(t, err)
				assert.EqualValues(t, 9090, c.HTTP.Port)
				assert.Equal(t, 7*time.Second, c.Game.TimeLimit)
			},
		},
		"malformed file": {
			yaml: "http: [",
			assert: func(t *testing.T, _ testConfig, err error) {
				assert.Error(t, err)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			var c testConfig
			err := config.Load(writeFile(t, "config.yaml", tt.yaml), &c)
			tt.assert(t, c, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("LIVEQUIZ_PRESET", "kept")

	p := writeFile(t, ".env", "LIVEQUIZ_FROM_FILE=loaded\nLIVEQUIZ_PRESET=replaced\n")
	t.Cleanup(func() { _ = os.Unsetenv("LIVEQUIZ_FROM_FILE") })

	require.NoError(t, config.LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("LIVEQUIZ_FROM_FILE"))
	assert.Equal(t, "kept", os.Getenv("LIVEQUIZ_PRESET"))
}
