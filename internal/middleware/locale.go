package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}

// LocaleKey is the context key carrying the detected output language code.
var LocaleKey = localeContextKey{}

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

var supportedLanguages = []language.Tag{
	language.English, // first entry is the matcher fallback
	language.Indonesian,
	language.Russian,
	language.German,
	language.French,
	language.Spanish,
}

var languageMatcher = language.NewMatcher(supportedLanguages)

var countryLanguages = map[string]string{
	"ID": "id",
	"RU": "ru",
	"DE": "de",
	"FR": "fr",
	"ES": "es",
}

// Locale detects the language recognition results should be written in:
// explicit X-Locale header first, then Accept-Language via the language
// matcher, then the request country, then the configured default.
func Locale(defaultLang string, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			locale := detectLocale(r, defaultLang, lookup)
			ctx := context.WithValue(r.Context(), LocaleKey, locale)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LocaleFromContext returns the detected language code, if any.
func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return ""
}

func detectLocale(r *http.Request, fallback string, lookup CountryLookup) string {
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		return normalizeLocale(v)
	}
	if accept := r.Header.Get("Accept-Language"); accept != "" {
		if tags, _, err := language.ParseAcceptLanguage(accept); err == nil && len(tags) > 0 {
			tag, _, conf := languageMatcher.Match(tags...)
			if conf > language.No {
				base, _ := tag.Base()
				return base.String()
			}
		}
	}
	if lookup != nil {
		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if country, err := lookup(host); err == nil {
			if lang, ok := countryLanguages[strings.ToUpper(country)]; ok {
				return lang
			}
		}
	}
	if fallback != "" {
		return normalizeLocale(fallback)
	}
	return "en"
}

func normalizeLocale(v string) string {
	tag, err := language.Parse(v)
	if err != nil {
		return strings.ToLower(v)
	}
	base, _ := tag.Base()
	return base.String()
}
