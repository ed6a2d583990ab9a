package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/pkg/api"
	"portalchat/pkg/models"
)

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "profile.yaml")

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, Profile{}, *p)

	in := &Profile{
		BaseURL:    "http://chat.local:8080",
		StreamURL:  "ws://chat.local:8081/v1/stream",
		APIKey:     "frontend-key",
		BackendKey: "backend-key",
		UserID:     "7",
		UserName:   "Alice",
		Timeout:    5 * time.Second,
	}
	require.NoError(t, SaveProfile(in, path))

	out, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestProfileEnvAndValidate(t *testing.T) {
	p := &Profile{UserID: "1"}
	t.Setenv("PORTALCHAT_API_KEY", "k")
	t.Setenv("PORTALCHAT_SIGNATURE", "sig")
	t.Setenv("PORTALCHAT_USER_ID", "2")
	p.ApplyEnv()
	p.withDefaults()

	assert.Equal(t, "2", p.UserID)
	assert.Equal(t, defaultBaseURL, p.BaseURL)
	require.NoError(t, p.Validate())

	p.StreamURL = "http://chat.local/v1/stream"
	assert.Error(t, p.Validate())

	empty := &Profile{}
	empty.withDefaults()
	err := empty.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.Contains(t, err.Error(), "signature or backend_key")
}

func TestFillProfileFromInput(t *testing.T) {
	p := &Profile{UserName: "Alice"}
	input := strings.Join([]string{
		"",             // server url, default
		"",             // stream url, default
		"7",            // user id
		"frontend-key", // api key
		"",             // no backend key
		"signed",       // signature
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, fillProfile(p, strings.NewReader(input), &out))
	assert.Equal(t, defaultBaseURL, p.BaseURL)
	assert.Equal(t, defaultStreamURL, p.StreamURL)
	assert.Equal(t, "7", p.UserID)
	assert.Equal(t, "Alice", p.UserName)
	assert.Equal(t, "frontend-key", p.APIKey)
	assert.Equal(t, "signed", p.Signature)
	assert.NotContains(t, out.String(), "Display name")
}

func TestFormatMessage(t *testing.T) {
	m := models.Message{ID: "m1", Text: "hi", SenderID: "1", SenderName: "Alice", SentAt: 0,
		SeenBy: map[string]int64{"3": 1, "1": 1, "2": 1}}

	assert.Equal(t, "[-] you: hi  (seen by 2, 3)", formatMessage(m, "1"))
	assert.Equal(t, "[-] Alice: hi", formatMessage(m, "2"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "héll…", truncate("héllo wörld", 5))
}

func TestBenchTargets(t *testing.T) {
	p := &Profile{BaseURL: "http://chat.local:8080", APIKey: "k", UserID: "1", UserName: "Alice"}
	targets, err := benchTargets(p, "sig", benchConfig{ConversationID: "c1", RPS: 3, Duration: 2 * time.Second, PayloadSize: 16})
	require.NoError(t, err)
	require.Len(t, targets, 6)

	seen := map[string]bool{}
	for _, tg := range targets {
		assert.Equal(t, "PATCH", tg.Method)
		assert.Equal(t, "http://chat.local:8080/v1/tree", tg.URL)
		assert.Equal(t, "sig", tg.Header.Get("X-User-Signature"))

		var req api.PatchRequest
		require.NoError(t, json.Unmarshal(tg.Body, &req))
		require.Len(t, req.Updates, 1)
		for path, v := range req.Updates {
			assert.True(t, strings.HasPrefix(path, "messages/c1/"), path)
			assert.False(t, seen[path], "duplicate message path %s", path)
			seen[path] = true
			msg := v.(map[string]any)
			assert.Len(t, msg["text"], 16)
		}
	}
}
