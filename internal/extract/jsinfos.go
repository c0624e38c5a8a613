package extract

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// decodeJSInfos collects every span.JSinfos.base64 element, decodes the
// payload, and masks embedded API keys. JSON payloads are keyed by their
// config title when one is present.
func decodeJSInfos(doc *goquery.Document) map[string]any {
	out := map[string]any{}
	doc.Find("span.JSinfos.base64").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		decoded, err := decodeBase64Padded(text)
		if err != nil {
			return
		}
		payload := strings.TrimSpace(string(decoded))
		if !strings.HasPrefix(payload, "{") && !strings.HasPrefix(payload, "[") {
			out[fmt.Sprintf("jsinfos_raw_%d", len(out))] = payload
			return
		}
		var parsed any
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			out[fmt.Sprintf("jsinfos_raw_%d", len(out))] = payload
			return
		}
		maskKeys(parsed)

		key := fmt.Sprintf("jsinfos_%d", len(out))
		if title := payloadTitle(parsed); title != "" {
			key = "jsinfos_" + title
		}
		if _, exists := out[key]; exists {
			key = fmt.Sprintf("%s_%d", key, len(out))
		}
		out[key] = parsed
	})
	return out
}

// decodeBase64Padded tolerates payloads emitted without trailing padding.
func decodeBase64Padded(data string) ([]byte, error) {
	if missing := len(data) % 4; missing != 0 {
		data += strings.Repeat("=", 4-missing)
	}
	return base64.StdEncoding.DecodeString(data)
}

// maskKeys blanks gmKey at the top level and under config. The raw key must
// never reach logs or storage.
func maskKeys(parsed any) {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return
	}
	if _, has := obj["gmKey"]; has {
		obj["gmKey"] = "[MASKED]"
	}
	if cfg, ok := obj["config"].(map[string]any); ok {
		if _, has := cfg["gmKey"]; has {
			cfg["gmKey"] = "[MASKED]"
		}
	}
}

func payloadTitle(parsed any) string {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return ""
	}
	if cfg, ok := obj["config"].(map[string]any); ok {
		if title, ok := cfg["title"].(string); ok {
			return title
		}
	}
	if title, ok := obj["title"].(string); ok {
		return title
	}
	return ""
}
