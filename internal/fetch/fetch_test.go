package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/epgharvest/internal/browser"
	"github.com/snapetech/epgharvest/internal/browser/browsertest"
	"github.com/snapetech/epgharvest/internal/catalog"
	"github.com/snapetech/epgharvest/internal/httpclient"
	"github.com/snapetech/epgharvest/internal/rawstore"
	"github.com/snapetech/epgharvest/internal/session"
)

const testCacheID = "3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b"

func xmlPage(n int) string {
	var b strings.Builder
	b.WriteString(`<ns2:contents xmlns:ns2="http://ws.minervanetworks.com/">`)
	for i := range n {
		start := int64(1700000000000) + int64(i)*3600000
		fmt.Fprintf(&b, `<ns2:content><ns2:startDateTime>%d</ns2:startDateTime><ns2:endDateTime>%d</ns2:endDateTime><ns2:title>Show %d</ns2:title></ns2:content>`,
			start, start+3600000, i)
	}
	b.WriteString(`</ns2:contents>`)
	return b.String()
}

func newClient(t *testing.T, cfg Config) (*Client, *rawstore.Store) {
	t.Helper()
	st, err := rawstore.New(filepath.Join(t.TempDir(), "raw"))
	require.NoError(t, err)
	cfg.Raw = st
	cfg.Retry = httpclient.RetryPolicy{}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, st
}

func testSession(base string) *session.Session {
	return &session.Session{
		CacheID:  testCacheID,
		CacheURL: base,
		Cookies:  map[string]string{"JSESSIONID": "abc", "AWSALB": "lb1"},
	}
}

func query(ch string) catalog.ChannelQuery {
	return catalog.ChannelQuery{ChannelID: ch, LineupID: "220", FromMS: 1700000000000, ToMS: 1700086400000, PageSize: 100}
}

func TestNew_requiresRawStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestURL(t *testing.T) {
	c, _ := newClient(t, Config{BaseURL: "https://fallback.example.com"})
	q := query("807")
	q.Page = 2

	got, err := c.URL(testSession("https://cache.example.com/"), q)
	require.NoError(t, err)
	assert.Equal(t, "https://cache.example.com/api/epgcache/list/"+testCacheID+"/807/220?dateFrom=1700000000000&dateTo=1700086400000&page=2&size=100", got)

	got, err = c.URL(&session.Session{CacheID: testCacheID}, q)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "https://fallback.example.com/api/epgcache/list/"))

	_, err = c.URL(&session.Session{CacheID: testCacheID, CacheURL: "file:///etc"}, q)
	require.Error(t, err)
}

func TestFetch_sendsBrowserHeadersAndPersists(t *testing.T) {
	body := xmlPage(2)
	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		http.SetCookie(w, &http.Cookie{Name: "AWSALB", Value: "lb2"})
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	var seen []catalog.RawPayload
	c, _ := newClient(t, Config{
		Profile:    httpclient.DefaultProfile("https://site.example.com"),
		OnResponse: func(p catalog.RawPayload) { seen = append(seen, p) },
	})
	sess := testSession(srv.URL)
	p := c.Fetch(context.Background(), sess, query("807"))

	require.False(t, p.HardError(), p.Err)
	h := <-got
	assert.Equal(t, acceptXML, h.Get("Accept"))
	assert.Equal(t, "AWSALB=lb1; JSESSIONID=abc", h.Get("Cookie"))
	assert.Equal(t, httpclient.DefaultUserAgent, h.Get("User-Agent"))
	assert.Equal(t, "es-419,es;q=0.9", h.Get("Accept-Language"))
	assert.Equal(t, catalog.KindXML, p.Kind)
	assert.Equal(t, "http", p.Via)
	assert.Equal(t, "lb2", sess.Cookies["AWSALB"])

	require.NotEmpty(t, p.Path)
	data, err := os.ReadFile(p.Path)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	require.Len(t, seen, 1)
}

func TestFetch_406RetriesAlternateOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.HasPrefix(r.Header.Get("Accept"), "application/xml") {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"contents":[{"startDateTime":1700000000000,"endDateTime":1700003600000,"title":"A"}]}`))
	}))
	defer srv.Close()

	c, st := newClient(t, Config{})
	p := c.Fetch(context.Background(), testSession(srv.URL), query("807"))

	require.False(t, p.HardError(), p.Err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, acceptJSON, p.Accept)
	assert.Equal(t, catalog.KindJSON, p.Kind)

	files, err := st.List()
	require.NoError(t, err)
	assert.Len(t, files, 2, "both the 406 and the retry are persisted")
}

func TestFetch_406Twice(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotAcceptable)
	}))
	defer srv.Close()

	c, _ := newClient(t, Config{})
	p := c.Fetch(context.Background(), testSession(srv.URL), query("807"))
	assert.True(t, p.HardError())
	assert.Equal(t, http.StatusNotAcceptable, p.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_botFilterFallsBackToBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Forbidden"))
	}))
	defer srv.Close()

	fake := &browsertest.Fake{
		FetchFunc: func(req browser.FetchRequest) (*browser.Response, error) {
			return &browser.Response{Status: 200, ContentType: "application/xml", Body: xmlPage(1)}, nil
		},
	}
	c, st := newClient(t, Config{Browser: fake, Profile: httpclient.DefaultProfile("")})
	p := c.Fetch(context.Background(), testSession(srv.URL), query("807"))

	require.False(t, p.HardError(), p.Err)
	assert.Equal(t, "browser", p.Via)
	require.Len(t, fake.Fetched, 1)
	assert.Equal(t, acceptXML, fake.Fetched[0].Headers["Accept"])
	assert.NotContains(t, fake.Fetched[0].Headers, "User-Agent")

	files, err := st.List()
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFetch_rejectedWithoutBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := newClient(t, Config{})
	p := c.Fetch(context.Background(), testSession(srv.URL), query("807"))
	assert.True(t, p.HardError())
	assert.Equal(t, "status 403", p.Err)
}

func TestFetch_preferBrowser(t *testing.T) {
	fake := &browsertest.Fake{
		FetchFunc: func(req browser.FetchRequest) (*browser.Response, error) {
			return &browser.Response{Status: 200, ContentType: "application/json", Body: `{"contents":[]}`}, nil
		},
	}
	c, _ := newClient(t, Config{BaseURL: "https://guide.example.com", Browser: fake, PreferBrowser: true})
	p := c.FetchAs(context.Background(), &session.Session{CacheID: testCacheID}, query("807"), catalog.KindJSON)
	require.False(t, p.HardError(), p.Err)
	require.Len(t, fake.Fetched, 1)
	assert.Equal(t, acceptJSON, fake.Fetched[0].Headers["Accept"])
	assert.True(t, strings.HasPrefix(fake.Fetched[0].URL, "https://guide.example.com/"))
}

func TestFetch_networkErrorNotPersisted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	var seen int
	c, st := newClient(t, Config{OnResponse: func(catalog.RawPayload) { seen++ }})
	p := c.Fetch(context.Background(), testSession(base), query("807"))
	assert.True(t, p.Failed)
	assert.NotEmpty(t, p.Err)
	assert.Zero(t, seen)
	files, err := st.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFetchAll_paginatesWhileFull(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/xml")
		switch page {
		case "0", "1":
			_, _ = w.Write([]byte(xmlPage(3)))
		default:
			_, _ = w.Write([]byte(xmlPage(1)))
		}
	}))
	defer srv.Close()

	c, _ := newClient(t, Config{})
	q := query("807")
	q.PageSize = 3
	got := c.FetchAll(context.Background(), testSession(srv.URL), q, catalog.KindXML)
	require.Len(t, got, 3)
	mu.Lock()
	assert.Equal(t, []string{"0", "1", "2"}, pages)
	mu.Unlock()
	assert.Equal(t, 2, got[2].Page)
}

func TestFetchAll_singlePageAndLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(xmlPage(2)))
	}))
	defer srv.Close()

	c, _ := newClient(t, Config{MaxPages: 3})
	q := query("807")
	q.PageSize = 2

	q.SinglePage = true
	assert.Len(t, c.FetchAll(context.Background(), testSession(srv.URL), q, catalog.KindXML), 1)

	q.SinglePage = false
	calls.Store(0)
	assert.Len(t, c.FetchAll(context.Background(), testSession(srv.URL), q, catalog.KindXML), 3)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchAll_stopsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(xmlPage(2)))
	}))
	defer srv.Close()

	c, _ := newClient(t, Config{})
	q := query("807")
	q.PageSize = 2
	got := c.FetchAll(context.Background(), testSession(srv.URL), q, catalog.KindXML)
	require.Len(t, got, 2)
	assert.True(t, got[1].HardError())
}

func TestDetectBotFilter(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		hit    bool
	}{
		{"ok xml", 200, http.Header{"Content-Type": {"application/xml"}}, "<contents/>", false},
		{"forbidden", 403, nil, "", true},
		{"unauthorized", 401, nil, "", true},
		{"503 with cf-ray", 503, http.Header{"Cf-Ray": {"abc-MIA"}}, "", true},
		{"plain 503", 503, http.Header{}, "", false},
		{"challenge page", 200, http.Header{"Content-Type": {"text/html"}}, "<title>Just a moment...</title>", true},
		{"html without marker", 200, http.Header{"Content-Type": {"text/html"}}, "<p>hi</p>", false},
		{"not found", 404, nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			got := detectBotFilter(tt.status, h, []byte(tt.body))
			assert.Equal(t, tt.hit, got != "", got)
		})
	}
}
