// Package health answers "would a harvest work right now": are the backend
// endpoints reachable, and is the last written guide still covering now.
package health

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/snapetech/epgharvest/internal/httpclient"
	"github.com/snapetech/epgharvest/internal/xmltv"
)

// Endpoint is one URL to probe.
type Endpoint struct {
	Name string
	URL  string
}

// Result is the outcome of probing one endpoint.
type Result struct {
	Endpoint
	Status  int
	Latency time.Duration
	Err     error
}

// OK reports whether the endpoint answered without a server error. A 401 or
// 403 from a token endpoint probed without credentials still means reachable.
func (r Result) OK() bool { return r.Err == nil && r.Status > 0 && r.Status < 500 }

// CheckEndpoints probes each endpoint with a GET and returns one result per
// endpoint, in order. Endpoints with an empty URL are skipped.
func CheckEndpoints(ctx context.Context, client *http.Client, profile httpclient.BrowserProfile, endpoints []Endpoint) []Result {
	if client == nil {
		client = httpclient.Default()
	}
	var out []Result
	for _, ep := range endpoints {
		if ep.URL == "" {
			continue
		}
		res := Result{Endpoint: ep}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
		if err != nil {
			res.Err = err
			out = append(out, res)
			continue
		}
		profile.Apply(req)
		start := time.Now()
		resp, err := client.Do(req)
		res.Latency = time.Since(start)
		if err != nil {
			res.Err = fmt.Errorf("%s unreachable: %w", ep.Name, err)
			out = append(out, res)
			continue
		}
		// drain a bounded prefix so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		res.Status = resp.StatusCode
		if resp.StatusCode >= 500 {
			res.Err = fmt.Errorf("%s returned HTTP %d", ep.Name, resp.StatusCode)
		}
		out = append(out, res)
	}
	return out
}

// GuideStatus describes a written guide file.
type GuideStatus struct {
	Channels   int
	Programmes int
	// LastStop is the latest programme end in the guide.
	LastStop time.Time
	Modified time.Time
}

// Covers reports whether the guide has programmes running past now.
func (g GuideStatus) Covers(now time.Time) bool {
	return g.Programmes > 0 && g.LastStop.After(now)
}

// CheckGuide scans the guide at path without loading it whole.
func CheckGuide(path string) (GuideStatus, error) {
	var st GuideStatus
	fi, err := os.Stat(path)
	if err != nil {
		return st, err
	}
	st.Modified = fi.ModTime()

	f, err := os.Open(path)
	if err != nil {
		return st, err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("guide %s: %w", path, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "channel":
			st.Channels++
		case "programme":
			st.Programmes++
			for _, a := range se.Attr {
				if a.Name.Local != "stop" {
					continue
				}
				if t, err := time.Parse(xmltv.TimeLayout, a.Value); err == nil && t.After(st.LastStop) {
					st.LastStop = t
				}
			}
		}
	}
	return st, nil
}
