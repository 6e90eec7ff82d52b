package auth

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	credentialFormSelector = "form"
	loginInputSelector     = "input[name='login']"
	passwordInputSelector  = "input[name='password']"
	loginActionSelector    = "form[action*='login/login']"
	namedInputSelector     = "input[name]"
)

var skippedInputTypes = map[string]bool{
	"submit": true,
	"button": true,
	"image":  true,
	"file":   true,
}

// loginForm is the action URL and base payload scraped from a login page.
type loginForm struct {
	action string
	values url.Values
}

// findLoginForm picks the first form carrying both credential inputs, then
// falls back to a form posting to login/login.
func findLoginForm(doc *goquery.Document, pageURL *url.URL) (loginForm, bool) {
	var form *goquery.Selection
	doc.Find(credentialFormSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Find(loginInputSelector).Length() > 0 && s.Find(passwordInputSelector).Length() > 0 {
			form = s
			return false
		}
		return true
	})
	if form == nil {
		if fallback := doc.Find(loginActionSelector).First(); fallback.Length() > 0 {
			form = fallback
		}
	}
	if form == nil {
		return loginForm{}, false
	}

	action := pageURL.String()
	if raw, ok := form.Attr("action"); ok && strings.TrimSpace(raw) != "" {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return loginForm{}, false
		}
		action = pageURL.ResolveReference(ref).String()
	}

	values := url.Values{}
	form.Find(namedInputSelector).Each(func(_ int, input *goquery.Selection) {
		name := strings.TrimSpace(input.AttrOr("name", ""))
		if name == "" {
			return
		}
		kind := strings.ToLower(input.AttrOr("type", ""))
		if skippedInputTypes[kind] {
			return
		}
		if kind == "checkbox" || kind == "radio" {
			if _, checked := input.Attr("checked"); !checked {
				return
			}
		}
		values.Set(name, input.AttrOr("value", ""))
	})
	return loginForm{action: action, values: values}, true
}
