package scrape

import "fmt"

// Endpoints builds the page URLs for a task against the configured backend.
type Endpoints struct {
	BaseURL string
}

var pagePaths = map[PageType]string{
	PageView:     "/digi/com/cto/view",
	PagePayment:  "/digi/com/cto/viewPayment",
	PageLogistic: "/digi/com/cto/viewLogistic",
	PageInfos:    "/digi/com/cto/viewInfos",
	PageOrders:   "/digi/com/cto/viewOrders",
}

// PageURL returns the URL of one page type for the given identifier.
func (e Endpoints) PageURL(pt PageType, nr int) string {
	return fmt.Sprintf("%s%s?nr=%d", e.BaseURL, pagePaths[pt], nr)
}

// GateURL returns the URL of the gate page (the main view) for the identifier.
func (e Endpoints) GateURL(nr int) string {
	return e.PageURL(PageView, nr)
}
