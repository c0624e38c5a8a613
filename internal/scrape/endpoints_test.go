package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageURL(t *testing.T) {
	e := Endpoints{BaseURL: "https://entrepreneur.digifactory.fr"}

	tests := []struct {
		pt   PageType
		want string
	}{
		{PageView, "https://entrepreneur.digifactory.fr/digi/com/cto/view?nr=1042"},
		{PagePayment, "https://entrepreneur.digifactory.fr/digi/com/cto/viewPayment?nr=1042"},
		{PageLogistic, "https://entrepreneur.digifactory.fr/digi/com/cto/viewLogistic?nr=1042"},
		{PageInfos, "https://entrepreneur.digifactory.fr/digi/com/cto/viewInfos?nr=1042"},
		{PageOrders, "https://entrepreneur.digifactory.fr/digi/com/cto/viewOrders?nr=1042"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.PageURL(tt.pt, 1042))
	}
}

func TestGateURLIsViewPage(t *testing.T) {
	e := Endpoints{BaseURL: "https://backend.test"}
	assert.Equal(t, e.PageURL(PageView, 5), e.GateURL(5))
}
