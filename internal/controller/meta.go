package controller

import (
	"context"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

type cookieExport struct {
	Cookies    []host.Cookie `json:"cookies"`
	ExportedAt int64         `json:"exportedAt"`
}

type importResult struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Error   string `json:"error,omitempty"`
}

type importResults struct {
	Results []importResult `json:"results"`
}

type successResult struct {
	Success bool `json:"success"`
}

type downloadStarted struct {
	DownloadID int `json:"downloadId"`
}

func validation(msg string) error {
	return types.NewError(types.CodeValidation, msg, nil)
}

func (s *Service) cookieCommand(ctx context.Context, method string, p args) (any, error) {
	switch method {
	case "Cookie.getAll":
		return s.cookies(ctx, p, true)
	case "Cookie.set":
		if _, ok := p.str("url"); !ok {
			return nil, validation("Cookie.set requires url")
		}
		return s.host.Set(ctx, cookieDetails(p))
	case "Cookie.remove":
		url, ok := p.str("url")
		if !ok {
			return nil, validation("Cookie.remove requires url")
		}
		name, ok := p.str("name")
		if !ok {
			return nil, validation("Cookie.remove requires name")
		}
		return s.host.Remove(ctx, url, name)
	case "Cookie.export":
		cookies, err := s.cookies(ctx, p, false)
		if err != nil {
			return nil, err
		}
		return cookieExport{Cookies: cookies, ExportedAt: time.Now().UnixMilli()}, nil
	case "Cookie.import":
		items, ok := p.array("cookies")
		if !ok {
			return nil, validation("Cookie.import requires cookies array")
		}
		out := importResults{Results: make([]importResult, 0, len(items))}
		for _, raw := range items {
			c := newArgs(raw)
			name, _ := c.str("name")
			res := importResult{Name: name}
			if err := s.requireURL(c); err != nil {
				res.Error = types.Message(err)
			} else if _, err := s.host.Set(ctx, cookieDetails(c)); err != nil {
				res.Error = types.Message(err)
			} else {
				res.Success = true
			}
			out.Results = append(out.Results, res)
		}
		return out, nil
	}
	return nil, types.Errorf(types.CodeUnknownCommand, "Unknown cookie command: %s", method)
}

func (s *Service) requireURL(c args) error {
	url, _ := c.str("url")
	return s.requireNonEmpty(url, "Missing url")
}

// cookies runs a GetAll with the domain, url and (optionally) name filters.
func (s *Service) cookies(ctx context.Context, p args, byName bool) ([]host.Cookie, error) {
	var filter host.CookieFilter
	filter.Domain, _ = p.str("domain")
	filter.URL, _ = p.str("url")
	if byName {
		filter.Name, _ = p.str("name")
	}
	cookies, err := s.host.GetAll(ctx, filter)
	if err != nil {
		return nil, err
	}
	if cookies == nil {
		cookies = []host.Cookie{}
	}
	return cookies, nil
}

func cookieDetails(p args) host.CookieDetails {
	url, _ := p.str("url")
	return host.CookieDetails{
		URL:            url,
		Name:           p.strPtr("name"),
		Value:          p.strPtr("value"),
		Domain:         p.strPtr("domain"),
		Path:           p.strPtr("path"),
		Secure:         p.boolPtr("secure"),
		HTTPOnly:       p.boolPtr("httpOnly"),
		SameSite:       p.strPtr("sameSite"),
		ExpirationDate: p.numberPtr("expirationDate"),
	}
}

func (s *Service) downloadCommand(ctx context.Context, method string, p args) (any, error) {
	switch method {
	case "Download.start":
		url, ok := p.str("url")
		if !ok {
			return nil, validation("Download.start requires url")
		}
		opts := host.DownloadOptions{URL: url}
		opts.Filename, _ = p.str("filename")
		opts.SaveAs, _ = p.boolean("saveAs")
		id, err := s.host.Download(ctx, opts)
		if err != nil {
			return nil, err
		}
		return downloadStarted{DownloadID: id}, nil
	case "Download.list":
		var q host.DownloadQuery
		q.Limit, _ = p.integer("limit")
		items, err := s.host.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		out := make([]host.DownloadItem, 0, len(items))
		for _, item := range items {
			item.Error = ""
			out = append(out, item)
		}
		return out, nil
	case "Download.getStatus":
		id, ok := p.integer("downloadId")
		if !ok {
			return nil, validation("Download.getStatus requires downloadId")
		}
		items, err := s.host.Search(ctx, host.DownloadQuery{ID: id})
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, types.Errorf(types.CodeNotFound, "Download not found")
		}
		return items[0], nil
	case "Download.cancel":
		id, ok := p.integer("downloadId")
		if !ok {
			return nil, validation("Download.cancel requires downloadId")
		}
		if err := s.host.Cancel(ctx, id); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil
	case "Download.open":
		id, ok := p.integer("downloadId")
		if !ok {
			return nil, validation("Download.open requires downloadId")
		}
		if err := s.host.Open(ctx, id); err != nil {
			return nil, err
		}
		return successResult{Success: true}, nil
	}
	return nil, types.Errorf(types.CodeUnknownCommand, "Unknown download command: %s", method)
}
