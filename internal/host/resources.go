package host

// SameSite values follow the browser extension cookie API.
const (
	SameSiteNoRestriction = "no_restriction"
	SameSiteLax           = "lax"
	SameSiteStrict        = "strict"
	SameSiteUnspecified   = "unspecified"
)

// Cookie mirrors a browser cookie record.
type Cookie struct {
	Name           string   `json:"name"`
	Value          string   `json:"value"`
	Domain         string   `json:"domain"`
	HostOnly       bool     `json:"hostOnly"`
	Path           string   `json:"path"`
	Secure         bool     `json:"secure"`
	HTTPOnly       bool     `json:"httpOnly"`
	SameSite       string   `json:"sameSite"`
	Session        bool     `json:"session"`
	ExpirationDate *float64 `json:"expirationDate,omitempty"`
	StoreID        string   `json:"storeId"`
}

// CookieFilter narrows GetAll; empty fields match everything.
type CookieFilter struct {
	Domain string
	URL    string
	Name   string
}

// CookieDetails describes a cookie to write. URL is required.
type CookieDetails struct {
	URL            string   `json:"url"`
	Name           *string  `json:"name,omitempty"`
	Value          *string  `json:"value,omitempty"`
	Domain         *string  `json:"domain,omitempty"`
	Path           *string  `json:"path,omitempty"`
	Secure         *bool    `json:"secure,omitempty"`
	HTTPOnly       *bool    `json:"httpOnly,omitempty"`
	SameSite       *string  `json:"sameSite,omitempty"`
	ExpirationDate *float64 `json:"expirationDate,omitempty"`
}

// CookieRef identifies a removed cookie.
type CookieRef struct {
	URL     string `json:"url"`
	Name    string `json:"name"`
	StoreID string `json:"storeId"`
}

// Download states.
const (
	DownloadInProgress  = "in_progress"
	DownloadComplete    = "complete"
	DownloadInterrupted = "interrupted"
)

type DownloadOptions struct {
	URL      string
	Filename string
	SaveAs   bool
}

// DownloadQuery filters Search. A zero ID matches every item; a zero Limit
// means no limit.
type DownloadQuery struct {
	ID    int
	Limit int
}

// DownloadItem mirrors a browser download record.
type DownloadItem struct {
	ID            int    `json:"id"`
	URL           string `json:"url"`
	Filename      string `json:"filename"`
	State         string `json:"state"`
	BytesReceived int64  `json:"bytesReceived"`
	TotalBytes    int64  `json:"totalBytes"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime,omitempty"`
	Error         string `json:"error,omitempty"`
}
