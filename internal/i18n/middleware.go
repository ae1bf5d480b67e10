package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// Middleware picks a localizer per request from the Accept-Language header,
// falling back to defaultLang.
func Middleware(defaultLang string) func(http.Handler) http.Handler {
	fallback := NewLocalizer(defaultLang)
	tags := supportedTags(defaultLang)
	matcher := language.NewMatcher(tags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := fallback
			if accept := r.Header.Get("Accept-Language"); accept != "" {
				wanted, _, err := language.ParseAcceptLanguage(accept)
				if err == nil && len(wanted) > 0 {
					_, idx, conf := matcher.Match(wanted...)
					if conf != language.No {
						loc = NewLocalizer(tags[idx].String())
					}
				}
			}
			ctx := WithLocalizer(r.Context(), loc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// supportedTags lists the bundle's languages with defaultLang first, so the
// matcher falls back to it.
func supportedTags(defaultLang string) []language.Tag {
	def := language.Make(defaultLang)
	tags := []language.Tag{def}
	if bundle == nil {
		return tags
	}
	for _, t := range bundle.LanguageTags() {
		if t != def {
			tags = append(tags, t)
		}
	}
	return tags
}
