package extract

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlevasseur/digicrawl/internal/scrape"
)

func TestGate(t *testing.T) {
	e := New(nil)

	tests := []struct {
		name   string
		body   string
		passed bool
	}{
		{"h5 marker", `<div><h5>Location de véhicule</h5></div>`, true},
		{"spaced text marker", `<p>Location  de   véhicule en cours</p>`, true},
		{"sale type marker", `<td>Type de vente (code) = Location_Subscription</td>`, true},
		{"plain sale page", `<h5>Vente classique</h5><p>Type de vente (code) = Direct</p>`, false},
		{"empty body", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, reason := e.Gate([]byte(tt.body))
			assert.Equal(t, tt.passed, passed)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestGateIsPure(t *testing.T) {
	e := New(nil)
	body := []byte(`<h5>Location de véhicule</h5>`)
	for i := 0; i < 3; i++ {
		passed, reason := e.Gate(body)
		assert.True(t, passed)
		assert.Equal(t, "h5 marker", reason)
	}
}

func TestExtractViewPage(t *testing.T) {
	e := New(nil)
	body := []byte(`<html><body>
		<span class="ref">BC-1042</span>
		<div class="date-commande">15/03/2024</div>
		<div class="ttc">1 234,56</div>
		<div class="client-name">Dupont SARL</div>
		<div class="semaine">S12</div>
		<a href="/digi/com/vehicles/view?id=7">Voir</a>
		<a href="/digi/com/cto/view?nr=88">Contrat initial &amp; Caution</a>
	</body></html>`)

	out, err := e.Extract(scrape.PageView, body)
	require.NoError(t, err)

	assert.Equal(t, "BC-1042", out["ref"])
	assert.Equal(t, "2024-03-15T00:00:00", out["commande"])
	assert.Equal(t, 1234.56, out["ttc"])
	assert.Equal(t, "Dupont SARL", out["client_name"])
	assert.Equal(t, "S12", out["semaine"])
	assert.Equal(t, "/digi/com/vehicles/view?id=7", out["vehicule_link"])

	buttons, ok := out["button_links"].([]map[string]string)
	require.True(t, ok)
	require.Len(t, buttons, 1)
	assert.Equal(t, "/digi/com/cto/view?nr=88", buttons[0]["href"])
}

func TestExtractInfosResolvesTemplates(t *testing.T) {
	e := New(nil)
	body := []byte(`<html><body>
		<script>var totalTax = 42.5;</script>
		<table>
			<tr><td>Taxe totale</td><td>{{totalTax}}</td></tr>
			<tr><td>Statut</td><td>Actif</td></tr>
		</table>
	</body></html>`)

	out, err := e.Extract(scrape.PageInfos, body)
	require.NoError(t, err)

	fields, ok := out["infos_fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 42.5, fields["Taxe totale"])
	assert.Equal(t, "Actif", fields["Statut"])

	vars, ok := out["template_variables"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, vars, "totaltax")
}

func TestDecodeJSInfosMasksKey(t *testing.T) {
	e := New(nil)
	payload := base64.StdEncoding.EncodeToString([]byte(`{"config":{"title":"basket","gmKey":"secret-key"},"gmKey":"other"}`))
	body := []byte(`<html><body><span class="JSinfos base64">` + payload + `</span></body></html>`)

	out, err := e.Extract(scrape.PageView, body)
	require.NoError(t, err)

	js, ok := out["jsinfos"].(map[string]any)
	require.True(t, ok)
	parsed, ok := js["jsinfos_basket"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[MASKED]", parsed["gmKey"])
	cfg := parsed["config"].(map[string]any)
	assert.Equal(t, "[MASKED]", cfg["gmKey"])
	assert.Equal(t, "basket", cfg["title"])
}

func TestDecodeJSInfosUnpaddedBase64(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte(`plain text payload`))
	trimmed := raw
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == '=' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	decoded, err := decodeBase64Padded(trimmed)
	require.NoError(t, err)
	assert.Equal(t, "plain text payload", string(decoded))
}

func TestParseFrenchNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1 234,56", 1234.56, true},
		{"42", 42, true},
		{"12,5 €", 12.5, true},
		{"", 0, false},
		{"n/a", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseFrenchNumber(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}
