package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartupError_MatchesSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("exec: not found")
	err := fmt.Errorf("starting tunnel: %w", startupErr("cloudflare", "cloudflared unavailable", cause))

	assert.ErrorIs(t, err, ErrStartup)
	assert.ErrorIs(t, err, cause)

	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "cloudflare", se.Provider)
	assert.Contains(t, err.Error(), "cloudflared unavailable")
}

func TestStatus_MarshalJSON_InactiveHasNullURL(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Status{Provider: "ngrok"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, "ngrok", got["provider"])
	assert.Equal(t, false, got["active"])
	assert.Equal(t, false, got["running"])
	assert.Nil(t, got["url"])
	assert.Nil(t, got["public_url"])
	assert.Contains(t, got, "url")
	assert.Equal(t, false, got["provides_stable_url"])
}

func TestStatus_MarshalJSON_FlattensExtrasAndAliases(t *testing.T) {
	t.Parallel()

	s := Status{
		Provider:          "cloudflare",
		Active:            true,
		URL:               "https://bot.example.com",
		ProvidesStableURL: true,
		Extra: map[string]any{
			"mode":   "named",
			"pid":    4242,
			"active": "shadowed",
		},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, true, got["active"], "core keys win over extras")
	assert.Equal(t, true, got["running"])
	assert.Equal(t, "https://bot.example.com", got["url"])
	assert.Equal(t, "https://bot.example.com", got["public_url"])
	assert.Equal(t, true, got["provides_stable_url"])
	assert.Equal(t, "named", got["mode"])
	assert.InDelta(t, 4242, got["pid"], 0)
}

func TestProviders_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	providers := []Provider{
		NewNgrok(NgrokConfig{AuthToken: "token"}, 8000),
		NewCloudflare(CloudflareConfig{}, 8000),
		NewTailscale(TailscaleConfig{}, 8000),
	}

	for _, p := range providers {
		t.Run(p.Name(), func(t *testing.T) {
			t.Parallel()

			require.NotPanics(t, func() {
				p.Stop()
				p.Stop()
			})
			assert.Empty(t, p.URL())
			assert.False(t, p.Status().Active)
		})
	}
}
