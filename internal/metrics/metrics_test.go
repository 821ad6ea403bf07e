package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/epgharvest/internal/catalog"
)

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Channel(OutcomeOK)
	m.Channel(OutcomeOK)
	m.Channel(OutcomeEmpty)
	m.Programmes(42)
	m.Response(catalog.RawPayload{Status: 200, Via: "http"})
	m.Response(catalog.RawPayload{Status: 406})
	m.ResolvedBy("live")
	m.ResolvedBy("static")
	start := time.Unix(1700000000, 0)
	m.Finish(start, start.Add(90*time.Second))

	path := filepath.Join(t.TempDir(), "epg_harvest.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(data)

	assert.Contains(t, s, `epg_harvest_channels_total{outcome="ok"} 2`)
	assert.Contains(t, s, `epg_harvest_channels_total{outcome="empty"} 1`)
	assert.Contains(t, s, `epg_harvest_programmes_total 42`)
	assert.Contains(t, s, `epg_harvest_fetch_responses_total{status="406",via="http"} 1`)
	assert.Contains(t, s, `epg_harvest_resolve_source{source="static"} 1`)
	assert.NotContains(t, s, `source="live"`)
	assert.Contains(t, s, `epg_harvest_last_run_timestamp_seconds 1.70000009e+09`)
	assert.Contains(t, s, `epg_harvest_last_run_duration_seconds 90`)
}

func TestWriteTextfile_noPath(t *testing.T) {
	require.NoError(t, New().WriteTextfile(""))
}

func TestNew_independentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Programmes(1)
	fams, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, f := range fams {
		if f.GetName() == "epg_harvest_programmes_total" {
			assert.Zero(t, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
}
