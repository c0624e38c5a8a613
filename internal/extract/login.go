package extract

import (
	"regexp"
	"strings"
)

var strongLoginPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<title[^>]*>[^<]*connexion[^<]*</title>`),
	regexp.MustCompile(`(?i)<h1[^>]*>[^<]*se connecter[^<]*</h1>`),
	regexp.MustCompile(`(?i)<h2[^>]*>[^<]*connexion[^<]*</h2>`),
	regexp.MustCompile(`(?i)name=["']username["']`),
	regexp.MustCompile(`(?i)name=["']password["']`),
	regexp.MustCompile(`(?i)id=["']login["']`),
	regexp.MustCompile(`(?i)class=["'][^"']*login[^"']*["']`),
}

var weakLoginIndicators = []string{
	"se connecter",
	"connexion",
	"identifiant",
	"mot de passe",
}

var doubleSessionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`double session`),
	regexp.MustCompile(`deuxième session.*active`),
	regexp.MustCompile(`session en trop`),
	regexp.MustCompile(`quittez et reconnectez`),
	regexp.MustCompile(`fermer la session`),
}

// IsLoginPage reports whether a response is the backend's login page rather
// than record content. It matches the auth detector signature and fires on a
// login redirect, a login URL, any strong page marker, or at least two weak
// French-language markers.
func IsLoginPage(body []byte, statusCode int, finalURL string) bool {
	if statusCode == 302 {
		return true
	}
	urlLower := strings.ToLower(finalURL)
	if strings.Contains(urlLower, "login") || strings.Contains(urlLower, "connexion") {
		return true
	}
	if len(body) == 0 {
		return false
	}

	lower := strings.ToLower(string(body))
	for _, re := range strongLoginPatterns {
		if re.MatchString(lower) {
			return true
		}
	}

	weak := 0
	for _, indicator := range weakLoginIndicators {
		if strings.Contains(lower, indicator) {
			weak++
		}
	}
	if weak >= 2 {
		return true
	}

	return IsDoubleSession(lower)
}

// IsDoubleSession detects the popup shown when concurrent requests open a
// second backend session. Two indicators are required because the phrases
// appear individually in unrelated content.
func IsDoubleSession(lowerHTML string) bool {
	matches := 0
	for _, re := range doubleSessionPatterns {
		if re.MatchString(lowerHTML) {
			matches++
		}
	}
	return matches >= 2
}
