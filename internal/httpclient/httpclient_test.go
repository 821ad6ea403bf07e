package httpclient

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressed(t *testing.T, enc string, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch enc {
	case "br":
		w := brotli.NewWriter(&buf)
		_, err := w.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		buf.WriteString(body)
	}
	return buf.Bytes()
}

func TestDecodingTransport(t *testing.T) {
	const payload = `<contents><content/></contents>`
	for _, enc := range []string{"br", "gzip", ""} {
		t.Run("enc="+enc, func(t *testing.T) {
			body := compressed(t, enc, payload)
			var sawAE string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sawAE = r.Header.Get("Accept-Encoding")
				if enc != "" {
					w.Header().Set("Content-Encoding", enc)
				}
				w.Write(body)
			}))
			defer srv.Close()

			resp, err := WithTimeout(5 * time.Second).Get(srv.URL)
			require.NoError(t, err)
			defer resp.Body.Close()
			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, string(got))
			assert.Equal(t, AcceptEncoding, sawAE)
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
		})
	}
}

func TestBrowserProfileApply(t *testing.T) {
	p := DefaultProfile("https://www.example.com")
	p.Extra = map[string]string{"X-Client": "web"}
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/x", nil)
	p.Apply(req)

	assert.Equal(t, DefaultUserAgent, req.Header.Get("User-Agent"))
	assert.Equal(t, "https://www.example.com", req.Header.Get("Origin"))
	assert.Equal(t, "https://www.example.com/", req.Header.Get("Referer"))
	assert.Equal(t, "cross-site", req.Header.Get("Sec-Fetch-Site"))
	assert.Equal(t, "web", req.Header.Get("X-Client"))
	assert.Empty(t, req.Header.Get("Accept"))

	h := p.Headers()
	assert.Equal(t, "web", h["X-Client"])
	_, hasUA := h["User-Agent"]
	assert.False(t, hasUA)
}

func TestNewJarClientSharesCookiesAcrossSubdomains(t *testing.T) {
	c, err := NewJarClient(time.Second)
	require.NoError(t, err)
	site, _ := url.Parse("https://www.example.com/")
	api, _ := url.Parse("https://api.example.com/epg")
	c.Jar.SetCookies(site, []*http.Cookie{{Name: "JSESSIONID", Value: "abc", Domain: "example.com", Path: "/"}})
	got := c.Jar.Cookies(api)
	require.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].Value)
}
