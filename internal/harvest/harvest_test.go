package harvest

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/snapetech/epgharvest/internal/browser/browsertest"
	"github.com/snapetech/epgharvest/internal/catalog"
	"github.com/snapetech/epgharvest/internal/credential"
	"github.com/snapetech/epgharvest/internal/fetch"
	"github.com/snapetech/epgharvest/internal/httpclient"
	"github.com/snapetech/epgharvest/internal/metrics"
	"github.com/snapetech/epgharvest/internal/rawstore"
	"github.com/snapetech/epgharvest/internal/session"
	"github.com/snapetech/epgharvest/internal/xmltv"
)

const (
	testCacheID = "3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b"
	t0          = int64(1700000000000)
	hour        = int64(3600000)
)

type item struct {
	start, end int64
	title      string
}

func xmlBody(items ...item) string {
	var b strings.Builder
	b.WriteString(`<ns2:contents xmlns:ns2="http://ws.minervanetworks.com/">`)
	for _, it := range items {
		fmt.Fprintf(&b, `<ns2:content><ns2:startDateTime>%d</ns2:startDateTime><ns2:endDateTime>%d</ns2:endDateTime><ns2:title>%s</ns2:title></ns2:content>`,
			it.start, it.end, it.title)
	}
	b.WriteString(`</ns2:contents>`)
	return b.String()
}

func jsonBody(items ...item) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprintf(`{"startDateTime":%d,"endDateTime":%d,"title":%q}`, it.start, it.end, it.title)
	}
	return `{"contents":[` + strings.Join(parts, ",") + `]}`
}

type reply struct {
	status int
	body   string
}

// backend answers per channel and format and records what was asked.
type backend struct {
	mu      sync.Mutex
	answers map[string]map[catalog.PayloadKind]reply
	hits    []string // "channel/format"
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	ch := parts[len(parts)-2]
	kind := catalog.KindXML
	if strings.HasPrefix(r.Header.Get("Accept"), "application/json") {
		kind = catalog.KindJSON
	}
	b.mu.Lock()
	b.hits = append(b.hits, ch+"/"+kind.String())
	rep, ok := b.answers[ch][kind]
	b.mu.Unlock()
	if !ok {
		rep = reply{status: 200, body: map[catalog.PayloadKind]string{catalog.KindXML: xmlBody(), catalog.KindJSON: jsonBody()}[kind]}
	}
	if rep.status == 0 {
		rep.status = 200
	}
	if kind == catalog.KindJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/xml")
	}
	w.WriteHeader(rep.status)
	_, _ = w.Write([]byte(rep.body))
}

func (b *backend) Hits() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.hits...)
}

type fixture struct {
	h       *Harvester
	backend *backend
	dir     string
}

func newFixture(t *testing.T, channels []string, answers map[string]map[catalog.PayloadKind]reply) *fixture {
	t.Helper()
	be := &backend{answers: answers}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)

	dir := t.TempDir()
	raw, err := rawstore.New(filepath.Join(dir, "raw"))
	require.NoError(t, err)
	m := metrics.New()
	fc, err := fetch.New(fetch.Config{
		BaseURL:    srv.URL,
		Client:     &http.Client{Transport: tr, Timeout: 5 * time.Second},
		Retry:      httpclient.RetryPolicy{Backoff5xx: time.Millisecond},
		Raw:        raw,
		OnResponse: m.Response,
	})
	require.NoError(t, err)

	store, err := session.Open(filepath.Join(dir, "state", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := func() time.Time { return time.UnixMilli(t0) }
	h := &Harvester{
		Config: Config{
			Channels:    channels,
			LineupID:    "220",
			Window:      24 * time.Hour,
			PageSize:    100,
			OutputPath:  filepath.Join(dir, "epg.xml"),
			CatalogPath: filepath.Join(dir, "catalog.json"),
			LockPath:    filepath.Join(dir, "state", "harvest.lock"),
			MetricsFile: filepath.Join(dir, "epg_harvest.prom"),
			Now:         now,
		},
		Resolver: &credential.Resolver{Strategies: []credential.Strategy{&credential.Static{CacheID: testCacheID}}},
		Fetcher:  fc,
		Assembler: &xmltv.Assembler{
			Now:       now,
			Generator: "epg-harvest",
		},
		Store:   store,
		Metrics: m,
	}
	return &fixture{h: h, backend: be, dir: dir}
}

func readGuide(t *testing.T, path string) xmltv.TV {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var tv xmltv.TV
	require.NoError(t, xml.Unmarshal(data, &tv))
	return tv
}

func channelIDs(tv xmltv.TV) []string {
	var ids []string
	for _, c := range tv.Channels {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestRun_fullPipeline(t *testing.T) {
	f := newFixture(t, []string{"222", "807", "900"}, map[string]map[catalog.PayloadKind]reply{
		"222": {catalog.KindXML: {body: xmlBody(item{t0, t0 + hour, "News"}, item{t0 + hour, t0 + 2*hour, "Sports"})}},
		"807": {
			catalog.KindXML:  {body: xmlBody()},
			catalog.KindJSON: {body: jsonBody(item{t0, t0 + hour, "Telenovela"})},
		},
		"900": {
			catalog.KindXML:  {body: xmlBody()},
			catalog.KindJSON: {body: `{"contents":[]}`},
		},
	})

	res, err := f.h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"222/xml", "807/xml", "807/json", "900/xml", "900/json"}, f.backend.Hits(),
		"smoke channel is fetched once; empty channels retry with the other format")
	assert.Equal(t, 1, res.Count(metrics.OutcomeOK))
	assert.Equal(t, 1, res.Count(metrics.OutcomeRetried))
	assert.Equal(t, 1, res.Count(metrics.OutcomeEmpty))
	assert.Equal(t, 3, res.Programmes)
	assert.Equal(t, 3, res.Collected)
	assert.Equal(t, "static", res.Source)

	tv := readGuide(t, f.h.Config.OutputPath)
	assert.Equal(t, []string{"222", "807"}, channelIDs(tv), "a channel with no records is absent")
	require.Len(t, tv.Programmes, 3)
	assert.Equal(t, "20231114221320 +0000", tv.Programmes[0].Start)

	runs, err := f.h.Store.Runs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, 2, runs[0].Channels)
	assert.Empty(t, runs[0].Err)

	prom, err := os.ReadFile(f.h.Config.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `epg_harvest_channels_total{outcome="retried"} 1`)
	assert.Contains(t, string(prom), `epg_harvest_fetch_responses_total{status="200",via="http"} 5`)

	snap := catalog.New()
	require.NoError(t, snap.Load(f.h.Config.CatalogPath))
	assert.Equal(t, []string{"222", "807"}, snap.Channels())
}

func TestRun_smokeTestFailureWritesNothing(t *testing.T) {
	f := newFixture(t, []string{"222", "807"}, nil)

	_, err := f.h.Run(context.Background())
	require.ErrorIs(t, err, ErrSmokeTest)

	for _, hit := range f.backend.Hits() {
		assert.True(t, strings.HasPrefix(hit, "222/"), "no other channel is attempted, got %s", hit)
	}
	assert.NoFileExists(t, f.h.Config.OutputPath)

	runs, err := f.h.Store.Runs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Err, "smoke test")
}

func TestRun_invalidRecordsDropped(t *testing.T) {
	f := newFixture(t, []string{"222"}, map[string]map[catalog.PayloadKind]reply{
		"222": {catalog.KindXML: {body: xmlBody(item{t0, t0 + hour, "Good"}, item{200, 100, "Backwards"})}},
	})
	_, err := f.h.Run(context.Background())
	require.NoError(t, err)

	tv := readGuide(t, f.h.Config.OutputPath)
	require.Len(t, tv.Programmes, 1)
	assert.Equal(t, "Good", tv.Programmes[0].Title.Text)
}

func TestRun_hardErrorIsNotRetriedAndNotFatal(t *testing.T) {
	f := newFixture(t, []string{"222", "500"}, map[string]map[catalog.PayloadKind]reply{
		"222": {catalog.KindXML: {body: xmlBody(item{t0, t0 + hour, "News"})}},
		"500": {catalog.KindXML: {status: 500, body: "oops"}},
	})
	res, err := f.h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count(metrics.OutcomeFailed))
	assert.NotContains(t, f.backend.Hits(), "500/json")
	assert.Equal(t, []string{"222"}, channelIDs(readGuide(t, f.h.Config.OutputPath)))
}

func TestRun_406NegotiatesAlternate(t *testing.T) {
	f := newFixture(t, []string{"222"}, map[string]map[catalog.PayloadKind]reply{
		"222": {
			catalog.KindXML:  {status: 406},
			catalog.KindJSON: {body: jsonBody(item{t0, t0 + hour, "News"})},
		},
	})
	res, err := f.h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeOK, res.Channels[0].Outcome)
	assert.Equal(t, 1, res.Programmes)
}

func TestRun_resolveFailure(t *testing.T) {
	f := newFixture(t, []string{"222"}, nil)
	f.h.Resolver = &credential.Resolver{}

	_, err := f.h.Run(context.Background())
	require.ErrorIs(t, err, credential.ErrNoSession)
	assert.Empty(t, f.backend.Hits())
	assert.NoFileExists(t, f.h.Config.OutputPath)
}

type stubResolver struct {
	res *credential.Resolution
	err error
}

func (s stubResolver) Resolve(context.Context) (*credential.Resolution, error) { return s.res, s.err }

func TestRun_browserClosedOnEveryPath(t *testing.T) {
	good := map[string]map[catalog.PayloadKind]reply{
		"222": {catalog.KindXML: {body: xmlBody(item{t0, t0 + hour, "News"})}},
	}
	tests := []struct {
		name    string
		answers map[string]map[catalog.PayloadKind]reply
		cancel  bool
		wantErr error
	}{
		{name: "success", answers: good},
		{name: "smoke failure", answers: nil, wantErr: ErrSmokeTest},
		{name: "canceled", answers: good, cancel: true, wantErr: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []string{"222", "807"}, tt.answers)
			fake := &browsertest.Fake{}
			f.h.Resolver = stubResolver{res: &credential.Resolution{
				Session: &session.Session{CacheID: testCacheID, Source: "live"},
				Browser: fake,
			}}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}
			_, err := f.h.Run(ctx)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, fake.CloseCount())
		})
	}
}

func TestRun_lockHeld(t *testing.T) {
	f := newFixture(t, []string{"222"}, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.h.Config.LockPath), 0o755))
	other := flock.New(f.h.Config.LockPath)
	ok, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer other.Unlock()

	_, err = f.h.Run(context.Background())
	assert.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, f.backend.Hits())
}

func TestRun_pacesChannels(t *testing.T) {
	answers := map[string]map[catalog.PayloadKind]reply{}
	for _, ch := range []string{"1", "2", "3"} {
		answers[ch] = map[catalog.PayloadKind]reply{catalog.KindXML: {body: xmlBody(item{t0, t0 + hour, "x"})}}
	}
	f := newFixture(t, []string{"1", "2", "3"}, answers)
	f.h.Config.ChannelDelay = 50 * time.Millisecond

	start := time.Now()
	_, err := f.h.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRun_validation(t *testing.T) {
	_, err := (&Harvester{}).Run(context.Background())
	require.Error(t, err)

	f := newFixture(t, []string{"222"}, nil)
	f.h.Config.OutputPath = ""
	_, err = f.h.Run(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSmokeTest))
}

func TestRun_noGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("run", func(t *testing.T) {
		f := newFixture(t, []string{"222"}, map[string]map[catalog.PayloadKind]reply{
			"222": {catalog.KindXML: {body: xmlBody(item{t0, t0 + hour, "News"})}},
		})
		_, err := f.h.Run(context.Background())
		require.NoError(t, err)
	})
}
