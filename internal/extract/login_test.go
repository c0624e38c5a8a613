package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLoginPage(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		status   int
		finalURL string
		want     bool
	}{
		{
			name:   "redirect status",
			status: 302,
			want:   true,
		},
		{
			name:     "login url",
			status:   200,
			finalURL: "https://entrepreneur.digifactory.fr/digi/com/login",
			want:     true,
		},
		{
			name:     "password field",
			status:   200,
			finalURL: "https://entrepreneur.digifactory.fr/digi/com/cto/view?nr=1",
			body:     `<form><input name="password" type="password"></form>`,
			want:     true,
		},
		{
			name:     "two weak markers",
			status:   200,
			finalURL: "https://entrepreneur.digifactory.fr/digi/com/cto/view?nr=1",
			body:     `<p>Identifiant</p><p>Mot de passe</p>`,
			want:     true,
		},
		{
			name:     "single weak marker is not enough",
			status:   200,
			finalURL: "https://entrepreneur.digifactory.fr/digi/com/cto/view?nr=1",
			body:     `<p>Votre identifiant client est BC-12</p>`,
			want:     false,
		},
		{
			name:     "record page",
			status:   200,
			finalURL: "https://entrepreneur.digifactory.fr/digi/com/cto/view?nr=1",
			body:     `<h5>Location de véhicule</h5><span class="ref">BC-12</span>`,
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsLoginPage([]byte(tt.body), tt.status, tt.finalURL)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsDoubleSession(t *testing.T) {
	popup := `<div class="modal">double session détectée. quittez et reconnectez-vous.</div>`
	assert.True(t, IsDoubleSession(popup))

	single := `<div>double session</div>`
	assert.False(t, IsDoubleSession(single))
}
