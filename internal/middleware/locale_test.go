package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func detectFor(t *testing.T, configure func(r *http.Request), lookup CountryLookup) string {
	t.Helper()
	var got string
	handler := Locale("en", lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LocaleFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/sessions", nil)
	if configure != nil {
		configure(req)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestLocaleExplicitHeaderWins(t *testing.T) {
	got := detectFor(t, func(r *http.Request) {
		r.Header.Set("X-Locale", "ru-RU")
		r.Header.Set("Accept-Language", "de")
	}, nil)
	if got != "ru" {
		t.Fatalf("locale = %q, want ru", got)
	}
}

func TestLocaleAcceptLanguageMatcher(t *testing.T) {
	cases := map[string]string{
		"id-ID,id;q=0.9,en;q=0.8": "id",
		"fr-CH, fr;q=0.9":         "fr",
		"ja-JP":                   "en", // unsupported, falls back to default
	}
	for accept, want := range cases {
		got := detectFor(t, func(r *http.Request) {
			r.Header.Set("Accept-Language", accept)
		}, nil)
		if got != want {
			t.Errorf("Accept-Language %q: locale = %q, want %q", accept, got, want)
		}
	}
}

func TestLocaleGeoIPFallback(t *testing.T) {
	lookup := func(ip string) (string, error) {
		if ip != "203.0.113.7" {
			t.Fatalf("lookup called with %q", ip)
		}
		return "ID", nil
	}
	got := detectFor(t, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.7:51234"
	}, lookup)
	if got != "id" {
		t.Fatalf("locale = %q, want id", got)
	}
}

func TestLocaleDefaultWhenNothingMatches(t *testing.T) {
	got := detectFor(t, nil, nil)
	if got != "en" {
		t.Fatalf("locale = %q, want en", got)
	}
}
