package cdp

import (
	"context"
	"math"
	"net/url"
	"strings"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/dgnsrekt/tabrelay/internal/host"
)

const defaultStoreID = "0"

func (b *Browser) allCookies(ctx context.Context) ([]*network.Cookie, error) {
	var res storage.GetCookiesReturns
	if err := b.conn.call(ctx, "Storage.getCookies", &storage.GetCookiesParams{}, &res); err != nil {
		return nil, err
	}
	return res.Cookies, nil
}

// GetAll lists the cookies of the default profile that match every set field
// of the filter.
func (b *Browser) GetAll(ctx context.Context, filter host.CookieFilter) ([]host.Cookie, error) {
	all, err := b.allCookies(ctx)
	if err != nil {
		return nil, err
	}
	var target *url.URL
	if filter.URL != "" {
		if target, err = url.Parse(filter.URL); err != nil {
			return nil, err
		}
	}
	out := make([]host.Cookie, 0, len(all))
	for _, c := range all {
		if c == nil {
			continue
		}
		if filter.Name != "" && c.Name != filter.Name {
			continue
		}
		if filter.Domain != "" && !domainMatch(c.Domain, filter.Domain) {
			continue
		}
		if target != nil && !urlMatch(c, target) {
			continue
		}
		out = append(out, toHostCookie(c))
	}
	return out, nil
}

// Set writes a cookie and returns it as stored, or nil when the browser
// rejected it.
func (b *Browser) Set(ctx context.Context, d host.CookieDetails) (*host.Cookie, error) {
	p := &network.CookieParam{URL: d.URL}
	if d.Name != nil {
		p.Name = *d.Name
	}
	if d.Value != nil {
		p.Value = *d.Value
	}
	if d.Domain != nil {
		p.Domain = *d.Domain
	}
	if d.Path != nil {
		p.Path = *d.Path
	}
	if d.Secure != nil {
		p.Secure = *d.Secure
	}
	if d.HTTPOnly != nil {
		p.HTTPOnly = *d.HTTPOnly
	}
	if d.SameSite != nil {
		p.SameSite = toSameSite(*d.SameSite)
	}
	if d.ExpirationDate != nil {
		p.Expires = epoch(*d.ExpirationDate)
	}
	if err := b.conn.call(ctx, "Storage.setCookies", &storage.SetCookiesParams{Cookies: []*network.CookieParam{p}}, nil); err != nil {
		return nil, err
	}

	stored, err := b.GetAll(ctx, host.CookieFilter{URL: d.URL, Name: p.Name})
	if err != nil || len(stored) == 0 {
		return nil, err
	}
	return &stored[0], nil
}

// Remove expires every cookie named name that applies to rawURL.
func (b *Browser) Remove(ctx context.Context, rawURL, name string) (*host.CookieRef, error) {
	matches, err := b.GetAll(ctx, host.CookieFilter{URL: rawURL, Name: name})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	params := make([]*network.CookieParam, 0, len(matches))
	for _, c := range matches {
		p := &network.CookieParam{
			Name:     c.Name,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  epoch(1),
		}
		if c.HostOnly {
			p.URL = rawURL
		} else {
			p.Domain = c.Domain
		}
		params = append(params, p)
	}
	if err := b.conn.call(ctx, "Storage.setCookies", &storage.SetCookiesParams{Cookies: params}, nil); err != nil {
		return nil, err
	}
	return &host.CookieRef{URL: rawURL, Name: name, StoreID: defaultStoreID}, nil
}

func toHostCookie(c *network.Cookie) host.Cookie {
	out := host.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		HostOnly: !strings.HasPrefix(c.Domain, "."),
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: fromSameSite(c.SameSite),
		Session:  c.Session,
		StoreID:  defaultStoreID,
	}
	if !c.Session {
		exp := c.Expires
		out.ExpirationDate = &exp
	}
	return out
}

func fromSameSite(s network.CookieSameSite) string {
	switch s {
	case network.CookieSameSiteStrict:
		return host.SameSiteStrict
	case network.CookieSameSiteLax:
		return host.SameSiteLax
	case network.CookieSameSiteNone:
		return host.SameSiteNoRestriction
	default:
		return host.SameSiteUnspecified
	}
}

func toSameSite(s string) network.CookieSameSite {
	switch s {
	case host.SameSiteStrict:
		return network.CookieSameSiteStrict
	case host.SameSiteLax:
		return network.CookieSameSiteLax
	case host.SameSiteNoRestriction:
		return network.CookieSameSiteNone
	default:
		return ""
	}
}

func epoch(seconds float64) *cdproto.TimeSinceEpoch {
	whole, frac := math.Modf(seconds)
	t := cdproto.TimeSinceEpoch(time.Unix(int64(whole), int64(frac*1e9)))
	return &t
}

// domainMatch reports whether a cookie domain equals filter or is one of its
// subdomains.
func domainMatch(cookieDomain, filter string) bool {
	d := strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	f := strings.ToLower(strings.TrimPrefix(filter, "."))
	return d == f || strings.HasSuffix(d, "."+f)
}

// urlMatch applies the browser's send rules for u: domain, path prefix and
// the secure flag.
func urlMatch(c *network.Cookie, u *url.URL) bool {
	hostname := strings.ToLower(u.Hostname())
	domain := strings.ToLower(c.Domain)
	if strings.HasPrefix(domain, ".") {
		bare := domain[1:]
		if hostname != bare && !strings.HasSuffix(hostname, domain) {
			return false
		}
	} else if hostname != domain {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	cp := c.Path
	if cp == "" {
		cp = "/"
	}
	if p != cp && !strings.HasPrefix(p, strings.TrimSuffix(cp, "/")+"/") {
		return false
	}
	if c.Secure && u.Scheme != "https" && u.Scheme != "wss" {
		return false
	}
	return true
}
