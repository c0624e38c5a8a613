package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinksNormalization(t *testing.T) {
	e := New(nil)
	body := []byte(`<html><body>
		<a href="/digi/com/cto/view?nr=42">Dossier</a>
		<a href="https://other.example.com/page">External</a>
		<a href="#anchor">Skip</a>
		<a href="javascript:void(0)">Skip too</a>
		<div data-url="/digi/com/vehicles/view?id=3"></div>
		<span jsinfos="url:'/digi/com/cto/viewPayment?nr=42'"></span>
	</body></html>`)

	links := e.Links(body, "https://entrepreneur.digifactory.fr/digi/com/home", 50)

	hrefs := make([]string, 0, len(links))
	for _, l := range links {
		hrefs = append(hrefs, l.Href)
	}
	assert.Contains(t, hrefs, "https://entrepreneur.digifactory.fr/digi/com/cto/view?nr=42")
	assert.Contains(t, hrefs, "https://entrepreneur.digifactory.fr/digi/com/vehicles/view?id=3")
	assert.Contains(t, hrefs, "https://entrepreneur.digifactory.fr/digi/com/cto/viewPayment?nr=42")
	assert.Contains(t, hrefs, "https://other.example.com/page")
	for _, h := range hrefs {
		assert.NotContains(t, h, "javascript:")
		assert.NotContains(t, h, "#anchor")
	}
}

func TestLinksDeduplicatesAndCaps(t *testing.T) {
	e := New(nil)
	body := []byte(`<body>
		<a href="/a">one</a><a href="/a">dup</a>
		<a href="/b">two</a><a href="/c">three</a>
	</body>`)

	links := e.Links(body, "https://example.com/", 2)
	require.Len(t, links, 2)
	assert.Equal(t, "https://example.com/a", links[0].Href)
	assert.Equal(t, "https://example.com/b", links[1].Href)
}

func TestLinksEmptyInputs(t *testing.T) {
	e := New(nil)
	assert.Nil(t, e.Links(nil, "https://example.com/", 10))
	assert.Nil(t, e.Links([]byte(`<a href="/a">x</a>`), "https://example.com/", 0))
}
