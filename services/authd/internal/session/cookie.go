package session

import (
	"net/http"
	"time"
)

// CookieName is the cookie carrying the session credential.
const CookieName = "session_token"

// CookiePolicy holds the attributes used both to set and to clear the cookie.
type CookiePolicy struct {
	Domain   string
	Secure   bool
	SameSite http.SameSite
	TTL      time.Duration
}

// NewCookiePolicy returns Secure+SameSite=None in production and Lax otherwise.
func NewCookiePolicy(production bool, domain string, ttl time.Duration) CookiePolicy {
	p := CookiePolicy{Domain: domain, TTL: ttl, SameSite: http.SameSiteLaxMode}
	if production {
		p.Secure = true
		p.SameSite = http.SameSiteNoneMode
	}
	return p
}

func (p CookiePolicy) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(p.TTL / time.Second),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	})
}

func (p CookiePolicy) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	})
}

// FromRequest returns the raw credential, or "" when the cookie is absent.
func FromRequest(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
