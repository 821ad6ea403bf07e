package httpclient

import "net/http"

// DefaultUserAgent matches a current desktop Chrome build.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

// BrowserProfile is the header set sent with every backend request so the
// call is indistinguishable from the site's own XHR traffic.
type BrowserProfile struct {
	UserAgent      string
	AcceptLanguage string
	Origin         string
	Referer        string
	// Extra headers applied last; they override the defaults above.
	Extra map[string]string
}

// DefaultProfile returns the desktop Chrome profile with the given site origin.
func DefaultProfile(origin string) BrowserProfile {
	p := BrowserProfile{
		UserAgent:      DefaultUserAgent,
		AcceptLanguage: "es-419,es;q=0.9",
		Origin:         origin,
	}
	if origin != "" {
		p.Referer = origin + "/"
	}
	return p
}

// Apply sets the profile headers on req. Accept is left to the caller.
func (p BrowserProfile) Apply(req *http.Request) {
	ua := p.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	h := req.Header
	h.Set("User-Agent", ua)
	if p.AcceptLanguage != "" {
		h.Set("Accept-Language", p.AcceptLanguage)
	}
	h.Set("Sec-Ch-Ua", `"Chromium";v="140", "Not=A?Brand";v="24", "Google Chrome";v="140"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	if p.Origin != "" {
		h.Set("Origin", p.Origin)
		h.Set("Sec-Fetch-Site", "cross-site")
	} else {
		h.Set("Sec-Fetch-Site", "none")
	}
	if p.Referer != "" {
		h.Set("Referer", p.Referer)
	}
	for k, v := range p.Extra {
		h.Set(k, v)
	}
}

// Headers returns the profile as a plain map, for replaying a request inside a browser page.
func (p BrowserProfile) Headers() map[string]string {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	p.Apply(req)
	out := make(map[string]string, len(req.Header))
	for k := range req.Header {
		// The page supplies these itself and fetch() refuses to override them.
		switch k {
		case "User-Agent", "Origin", "Referer", "Sec-Ch-Ua", "Sec-Ch-Ua-Mobile", "Sec-Ch-Ua-Platform", "Sec-Fetch-Dest", "Sec-Fetch-Mode", "Sec-Fetch-Site":
			continue
		}
		out[k] = req.Header.Get(k)
	}
	return out
}
