package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain text untouched", "fetch view?nr=42: status 502", "fetch view?nr=42: status 502"},
		{
			"session cookie in error",
			`fetch failed: Cookie: DigifactoryBO=s3cr3tvalue; Path=/`,
			`fetch failed: Cookie: [REDACTED]; Path=/`,
		},
		{
			"gmKey assignment",
			`config = {gmKey: "abc-123"}`,
			`config = {[REDACTED]}`,
		},
		{
			"bearer token",
			`Authorization: "Bearer eyJtoken"`,
			`[REDACTED]`,
		},
		{
			"access token",
			`access_token="tok" refresh_token="tok2"`,
			`[REDACTED] [REDACTED]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.in))
		})
	}
}

func TestMapMasksSecretKeys(t *testing.T) {
	in := map[string]any{
		"ref":      "BC-1042",
		"gmKey":    "secret",
		"password": "hunter2",
		"nested": map[string]any{
			"websocketAuthToken": "tok",
			"amount":             12.5,
		},
		"list": []any{
			"DigifactoryBO=abc",
			map[string]any{"access_token": "t"},
		},
	}

	out := Map(in)

	assert.Equal(t, "BC-1042", out["ref"])
	assert.Equal(t, "[REDACTED]", out["gmKey"])
	assert.Equal(t, "[REDACTED]", out["password"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["websocketAuthToken"])
	assert.Equal(t, 12.5, nested["amount"])

	list := out["list"].([]any)
	assert.Equal(t, "[REDACTED]", list[0])
	assert.Equal(t, "[REDACTED]", list[1].(map[string]any)["access_token"])

	// Input stays untouched.
	assert.Equal(t, "secret", in["gmKey"])
	assert.Equal(t, "DigifactoryBO=abc", in["list"].([]any)[0])
}

func TestMapNil(t *testing.T) {
	assert.Nil(t, Map(nil))
}
