// Package extract parses fetched backend pages into structured fields. All
// functions operate on raw HTML bodies and never perform network access.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/scrape"
)

var (
	gateTextPattern = regexp.MustCompile(`(?i)location\s+de\s+v[ée]hicule`)
	gateSalePattern = regexp.MustCompile(`(?i)type\s+de\s+vente.*location[_-]?subscription`)
	numberPattern   = regexp.MustCompile(`[\d.]+`)
)

// Extractor implements scrape.Extractor over goquery-parsed HTML.
type Extractor struct {
	logger *zap.Logger
}

// New returns an Extractor. A nil logger is replaced with a no-op one.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Gate reports whether the body carries the subscription-rental marker that
// makes a record eligible for deep extraction. It is a pure function of the
// body; a task failing the gate is stored with a minimal record only.
func (e *Extractor) Gate(body []byte) (bool, string) {
	if len(body) == 0 {
		return false, "empty body"
	}
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "<h5>location de véhicule</h5>") {
		return true, "h5 marker"
	}
	if gateTextPattern.Match(body) {
		return true, "text marker"
	}
	if strings.Contains(lower, "location_subscription") || strings.Contains(lower, "type de vente") {
		if gateSalePattern.MatchString(lower) {
			return true, "sale type marker"
		}
	}
	return false, "no subscription rental marker"
}

// Extract pulls the structured fields for one page type. The returned map is
// stored as JSONB, so every value must be JSON-encodable.
func (e *Extractor) Extract(pt scrape.PageType, body []byte) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s page: %w", pt, err)
	}

	out := e.commonFields(doc)

	switch pt {
	case scrape.PageView:
		e.viewFields(doc, out)
	case scrape.PagePayment:
		e.paymentFields(doc, out)
	case scrape.PageLogistic:
		e.logisticFields(doc, out)
	case scrape.PageInfos:
		e.infosFields(doc, body, out)
	case scrape.PageOrders:
		e.ordersFields(doc, out)
	}

	if js := decodeJSInfos(doc); len(js) > 0 {
		out["jsinfos"] = js
	}
	return out, nil
}

// commonFields extracts the reference, dates, amounts, and party names that
// appear on every page type.
func (e *Extractor) commonFields(doc *goquery.Document) map[string]any {
	out := map[string]any{}

	if ref := firstText(doc, "span.ref", ".ref", "[class*='ref']"); ref != "" {
		out["ref"] = ref
	}

	dates := []struct {
		key       string
		selectors []string
	}{
		{"commande", []string{".date-commande", "[class*='date-commande']"}},
		{"facturation", []string{".date-facturation", "[class*='date-facturation']"}},
		{"livraison", []string{".date-livraison", "[class*='date-livraison']"}},
	}
	for _, d := range dates {
		if text := firstText(doc, d.selectors...); text != "" {
			out[d.key] = normalizeDate(text)
		}
	}

	amounts := []struct {
		key       string
		selectors []string
	}{
		{"ttc", []string{".ttc", "[class*='ttc']"}},
		{"tva", []string{".tva", "[class*='tva']"}},
		{"ht", []string{".ht", "[class*='ht']"}},
		{"port", []string{".port", "[class*='port']"}},
	}
	for _, a := range amounts {
		if text := firstText(doc, a.selectors...); text != "" {
			if v, ok := parseFrenchNumber(text); ok {
				out[a.key] = v
			}
		}
	}

	if name := firstText(doc, ".client-name", "[class*='client']"); name != "" {
		out["client_name"] = name
	}
	if entity := firstText(doc, ".entity", "[class*='entity']"); entity != "" {
		out["entity"] = entity
	}
	if vehicule := firstText(doc, ".vehicule", "[class*='vehicule']"); vehicule != "" {
		out["vehicule"] = vehicule
	}
	return out
}

func (e *Extractor) viewFields(doc *goquery.Document, out map[string]any) {
	if semaine := firstText(doc, ".semaine", "[class*='semaine']", "[class*='week']"); semaine != "" {
		out["semaine"] = semaine
	}

	if href, ok := doc.Find("a[href*='vehicles/view']").First().Attr("href"); ok && href != "" {
		out["vehicule_link"] = href
	}

	var buttons []map[string]string
	doc.Find("a[href*='nr=']").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.TrimSpace(s.Text())
		lower := strings.ToLower(text)
		if href == "" {
			return
		}
		if strings.Contains(lower, "contrat") || strings.Contains(lower, "caution") || strings.Contains(lower, "abonnement") {
			buttons = append(buttons, map[string]string{"text": text, "href": href})
		}
	})
	if len(buttons) > 0 {
		out["button_links"] = buttons
	}

	if lines := extractLines(doc, "tr[data-line], tr[data-product], .basket-line, [class*='basket-line']"); len(lines) > 0 {
		out["basket_lines"] = lines
	}
}

func (e *Extractor) paymentFields(doc *goquery.Document, out map[string]any) {
	if invoices := listItems(doc, "facture", "invoice"); len(invoices) > 0 {
		out["invoices"] = invoices
	}

	summary := map[string]any{}
	if status := firstText(doc, ".payment-status", "[class*='payment-status']", "[data-status]"); status != "" {
		summary["status"] = status
	}
	if v, ok := firstNumeric(doc, ".total-due", "[class*='total-due']"); ok {
		summary["total_due"] = v
	}
	if v, ok := firstNumeric(doc, ".total-paid", "[class*='total-paid']"); ok {
		summary["total_paid"] = v
	}
	if v, ok := firstNumeric(doc, ".balance", "[class*='balance']"); ok {
		summary["balance"] = v
	}
	if len(summary) > 0 {
		out["payment_summary"] = summary
	}
}

func (e *Extractor) logisticFields(doc *goquery.Document, out map[string]any) {
	summary := map[string]any{}
	if method := firstText(doc, ".delivery-method", "[class*='delivery-method']", ".methode-livraison", "[class*='livraison']"); method != "" {
		summary["delivery_method"] = method
	}
	if status := firstText(doc, ".shipping-status", "[class*='shipping-status']", ".statut-livraison", "[class*='statut']"); status != "" {
		summary["shipping_status"] = status
	}
	if tracking := firstText(doc, ".tracking", "[class*='tracking']", ".numero-suivi"); tracking != "" {
		summary["tracking_number"] = tracking
	}
	out["logistic_summary"] = summary

	var documents []map[string]string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		text := strings.TrimSpace(s.Text())
		combined := strings.ToLower(href + " " + text)
		for _, kw := range []string{".pdf", "document", "bon-livraison", "tracking", "suivi", "expedition"} {
			if strings.Contains(combined, kw) {
				label := text
				if label == "" {
					label = href
				}
				documents = append(documents, map[string]string{
					"url":   href,
					"label": label,
					"type":  classifyDocument(combined),
				})
				return
			}
		}
	})
	if len(documents) > 0 {
		out["documents"] = documents
	}
}

func (e *Extractor) infosFields(doc *goquery.Document, body []byte, out map[string]any) {
	resolved := jsNumericValues(body)

	fields := map[string]any{}
	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		key := strings.TrimSpace(dl.Find("dt").First().Text())
		value := strings.TrimSpace(dl.Find("dd").First().Text())
		if key != "" && value != "" {
			fields[key] = resolveTemplate(value, resolved)
		}
	})
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		key := strings.TrimSpace(cells.Eq(0).Text())
		value := strings.TrimSpace(cells.Eq(1).Text())
		if key != "" && value != "" {
			fields[key] = resolveTemplate(value, resolved)
		}
	})
	if len(fields) > 0 {
		out["infos_fields"] = fields
	}

	if vars := templateVariables(body); len(vars) > 0 {
		out["template_variables"] = vars
	}
}

func (e *Extractor) ordersFields(doc *goquery.Document, out map[string]any) {
	summary := map[string]any{}
	if v, ok := firstNumeric(doc, ".total-orders", "[class*='total-orders']"); ok {
		summary["total_orders"] = v
	}
	out["orders_summary"] = summary

	if lines := extractLines(doc, "tr[data-line], tr[data-product], .purchase-line, [class*='purchase-line'], [class*='order-line']"); len(lines) > 0 {
		out["purchase_lines"] = lines
	}

	totals := map[string]any{}
	if v, ok := firstNumeric(doc, ".total-amount", "[class*='total-amount']"); ok {
		totals["total"] = v
	}
	if v, ok := firstNumeric(doc, ".margin", "[class*='margin']", ".marge"); ok {
		totals["margin"] = v
	}
	if len(totals) > 0 {
		out["totals"] = totals
	}
}

// extractLines reads tabular product lines: name, amount, quantity, date in
// column order.
func extractLines(doc *goquery.Document, selector string) []map[string]any {
	var lines []map[string]any
	doc.Find(selector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		line := map[string]any{}
		if name := strings.TrimSpace(cells.Eq(0).Text()); name != "" {
			line["name"] = name
		}
		if v, ok := parseFrenchNumber(cells.Eq(1).Text()); ok {
			line["amount"] = v
		}
		if cells.Length() > 2 {
			if v, ok := parseFrenchNumber(cells.Eq(2).Text()); ok {
				line["quantity"] = v
			}
		}
		if cells.Length() > 3 {
			if date := strings.TrimSpace(cells.Eq(3).Text()); date != "" {
				line["date"] = date
			}
		}
		if len(line) > 0 {
			lines = append(lines, line)
		}
	})
	return lines
}

// listItems collects rows or list items whose text mentions any keyword.
func listItems(doc *goquery.Document, keywords ...string) []map[string]any {
	var items []map[string]any
	doc.Find("tr, li, .item").Each(func(_ int, row *goquery.Selection) {
		text := strings.ToLower(strings.TrimSpace(row.Text()))
		matched := false
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
		item := map[string]any{}
		cells := row.Find("td, .cell")
		if cells.Length() > 0 {
			item["label"] = strings.TrimSpace(cells.Eq(0).Text())
			if cells.Length() > 1 {
				if v, ok := parseFrenchNumber(cells.Eq(1).Text()); ok {
					item["amount"] = v
				}
			}
		} else {
			item["label"] = strings.TrimSpace(row.Text())
		}
		if item["label"] != "" {
			items = append(items, item)
		}
	})
	return items
}

func classifyDocument(combined string) string {
	switch {
	case strings.Contains(combined, "bon-livraison") || strings.Contains(combined, " bl "):
		return "bl"
	case strings.Contains(combined, "tracking") || strings.Contains(combined, "suivi"):
		return "tracking"
	case strings.Contains(combined, ".pdf"):
		return "pdf"
	default:
		return "document"
	}
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func firstNumeric(doc *goquery.Document, selectors ...string) (float64, bool) {
	for _, sel := range selectors {
		if v, ok := parseFrenchNumber(doc.Find(sel).First().Text()); ok {
			return v, true
		}
	}
	return 0, false
}

// parseFrenchNumber handles "1 234,56" style values.
func parseFrenchNumber(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	cleaned := strings.NewReplacer(" ", "", " ", "", ",", ".").Replace(text)
	match := numberPattern.FindString(cleaned)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var dateLayouts = []string{"02/01/2006", "2006-01-02", "02-01-2006", "02.01.2006"}

// normalizeDate converts the date formats seen in the backend to ISO form,
// returning the input unchanged when no layout matches.
func normalizeDate(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02T15:04:05")
		}
	}
	return trimmed
}

var (
	jsVarPatterns = []struct {
		re  *regexp.Regexp
		key string
	}{
		{regexp.MustCompile(`(?i)(?:var|let|const)\s+(?:totaltax|total_tax)\s*=\s*([\d.]+)`), "totaltax"},
		{regexp.MustCompile(`(?i)(?:var|let|const)\s+(?:totalprice|total_price)\s*=\s*([\d.]+)`), "totalprice"},
		{regexp.MustCompile(`(?i)(?:var|let|const)\s+(?:shippingprice|shipping_price|port)\s*=\s*([\d.]+)`), "shippingprice"},
		{regexp.MustCompile(`(?i)"totaltax"\s*:\s*([\d.]+)`), "totaltax"},
		{regexp.MustCompile(`(?i)"totalprice"\s*:\s*([\d.]+)`), "totalprice"},
		{regexp.MustCompile(`(?i)"shippingprice"\s*:\s*([\d.]+)`), "shippingprice"},
		{regexp.MustCompile(`(?i)data-total-tax\s*=\s*['"]([\d.]+)['"]`), "totaltax"},
		{regexp.MustCompile(`(?i)data-total-price\s*=\s*['"]([\d.]+)['"]`), "totalprice"},
		{regexp.MustCompile(`(?i)data-shipping-price\s*=\s*['"]([\d.]+)['"]`), "shippingprice"},
	}
	templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)
	templateVarName = regexp.MustCompile(`(?i)(totaltax|totalprice|shippingprice)`)
)

// jsNumericValues pulls totals published in inline scripts or data attributes,
// keeping the first match per key.
func jsNumericValues(body []byte) map[string]float64 {
	values := map[string]float64{}
	for _, p := range jsVarPatterns {
		if _, seen := values[p.key]; seen {
			continue
		}
		if m := p.re.FindSubmatch(body); m != nil {
			if v, err := strconv.ParseFloat(string(m[1]), 64); err == nil {
				values[p.key] = v
			}
		}
	}
	return values
}

// resolveTemplate replaces a {{totalTax}}-style placeholder with the value
// extracted from the page's scripts; plain values are kept, numeric ones
// converted.
func resolveTemplate(value string, resolved map[string]float64) any {
	if m := templatePattern.FindStringSubmatch(value); m != nil {
		if name := templateVarName.FindString(m[1]); name != "" {
			if v, ok := resolved[strings.ToLower(name)]; ok {
				return v
			}
		}
		return value
	}
	if v, ok := parseFrenchNumber(value); ok {
		return v
	}
	return value
}

// templateVariables records which placeholder expressions a page still uses.
func templateVariables(body []byte) map[string]string {
	vars := map[string]string{}
	for _, m := range templatePattern.FindAllSubmatch(body, -1) {
		expr := strings.TrimSpace(string(m[1]))
		for _, name := range templateVarName.FindAllString(expr, -1) {
			lower := strings.ToLower(name)
			if _, seen := vars[lower]; !seen {
				vars[lower] = expr
			}
		}
	}
	return vars
}
