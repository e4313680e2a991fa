package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// Middleware injects a localizer into every request context. The request's
// Accept-Language header is matched against the loaded locales; lang is used
// when nothing matches.
func Middleware(lang string) func(http.Handler) http.Handler {
	fallback := NewLocalizer(lang)
	matcher := language.NewMatcher(Languages())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := fallback
			if accept := r.Header.Get("Accept-Language"); accept != "" {
				if tags, _, err := language.ParseAcceptLanguage(accept); err == nil && len(tags) > 0 {
					_, idx, conf := matcher.Match(tags...)
					if conf != language.No {
						base, _ := Languages()[idx].Base()
						loc = NewLocalizer(base.String(), lang)
					}
				}
			}
			ctx := WithLocalizer(r.Context(), loc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
