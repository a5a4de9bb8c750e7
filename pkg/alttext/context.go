package alttext

import (
	"context"
	"strings"

	"alttextpro/pkg/domain"

	"golang.org/x/text/language"
)

type ctxKey int

const (
	callerKey ctxKey = iota
	localeKey
)

// WithCaller attaches the acting caller to ctx.
func WithCaller(ctx context.Context, c domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	c, ok := ctx.Value(callerKey).(domain.Caller)
	return c, ok
}

// WithLocale attaches the preferred locale (for example "de_DE") to ctx.
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, localeKey, strings.TrimSpace(locale))
}

func localeFromContext(ctx context.Context) string {
	loc, _ := ctx.Value(localeKey).(string)
	return loc
}

// LocaleFromAcceptLanguage picks the preferred language of an Accept-Language
// header and formats it as language_REGION. It returns "" when the header is
// empty or unparseable.
func LocaleFromAcceptLanguage(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return FormatLocale(tags[0])
}

// FormatLocale renders a language tag as language_REGION, for example en_US.
func FormatLocale(tag language.Tag) string {
	base, conf := tag.Base()
	if conf == language.No || base.String() == "und" {
		return ""
	}
	region, conf := tag.Region()
	if conf == language.No || region.String() == "ZZ" {
		return base.String()
	}
	return base.String() + "_" + region.String()
}
