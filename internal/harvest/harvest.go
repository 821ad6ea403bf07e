// Package harvest runs one guide harvest end to end: resolve credentials,
// smoke-test the backend, fetch every channel, assemble and write the guide.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snapetech/epgharvest/internal/browser"
	"github.com/snapetech/epgharvest/internal/catalog"
	"github.com/snapetech/epgharvest/internal/credential"
	"github.com/snapetech/epgharvest/internal/log"
	"github.com/snapetech/epgharvest/internal/metrics"
	"github.com/snapetech/epgharvest/internal/normalize"
	"github.com/snapetech/epgharvest/internal/session"
	"github.com/snapetech/epgharvest/internal/xmltv"
)

var (
	// ErrSmokeTest means the smoke channel produced no programmes; nothing
	// else is fetched and no guide is written.
	ErrSmokeTest = errors.New("smoke test failed")
	// ErrLocked means another harvest holds the run lock.
	ErrLocked = errors.New("another harvest is already running")
)

// Resolver produces the run's session.
type Resolver interface {
	Resolve(ctx context.Context) (*credential.Resolution, error)
}

// Fetcher retrieves all pages of one channel.
type Fetcher interface {
	Preferred() catalog.PayloadKind
	SetBrowser(d browser.Driver)
	FetchAll(ctx context.Context, sess *session.Session, q catalog.ChannelQuery, kind catalog.PayloadKind) []catalog.RawPayload
}

// Config is the per-run plan.
type Config struct {
	Channels []string
	// SmokeChannel defaults to the first channel.
	SmokeChannel string
	LineupID     string
	Window       time.Duration
	PageSize     int
	SinglePage   bool
	// ChannelDelay spaces consecutive channel fetches.
	ChannelDelay time.Duration

	OutputPath string
	// CatalogPath, LockPath and MetricsFile are optional.
	CatalogPath string
	LockPath    string
	MetricsFile string

	Now func() time.Time
}

// Harvester wires the pipeline stages together. Store and Metrics are optional.
type Harvester struct {
	Config     Config
	Resolver   Resolver
	Fetcher    Fetcher
	Normalizer normalize.Normalizer
	Assembler  *xmltv.Assembler
	Store      *session.Store
	Metrics    *metrics.Metrics
}

// ChannelResult is the outcome for one channel.
type ChannelResult struct {
	ID         string
	Outcome    string
	Programmes int
	Pages      int
	Kind       catalog.PayloadKind
	Err        string
}

// Result summarizes a run.
type Result struct {
	RunID    string
	Source   string
	Started  time.Time
	Finished time.Time
	Channels []ChannelResult
	// Collected counts normalized records before assembly; Programmes is
	// what the guide holds after stale and duplicate drops.
	Collected  int
	Programmes int
	Stale      int
	Duplicates int
	Output     string
}

// Count returns how many channels ended with outcome.
func (r *Result) Count(outcome string) int {
	n := 0
	for _, c := range r.Channels {
		if c.Outcome == outcome {
			n++
		}
	}
	return n
}

func (h *Harvester) now() time.Time {
	if h.Config.Now != nil {
		return h.Config.Now()
	}
	return time.Now()
}

// Run performs one harvest. Credential failure, smoke-test failure and
// cancellation are fatal and leave any previous guide untouched; individual
// channel failures are not.
func (h *Harvester) Run(ctx context.Context) (res *Result, err error) {
	cfg := h.Config
	if len(cfg.Channels) == 0 {
		return nil, errors.New("harvest: no channels configured")
	}
	if h.Resolver == nil || h.Fetcher == nil {
		return nil, errors.New("harvest: resolver and fetcher are required")
	}
	if cfg.OutputPath == "" {
		return nil, errors.New("harvest: no output path")
	}

	res = &Result{RunID: uuid.NewString(), Started: h.now(), Output: cfg.OutputPath}
	ctx = log.ContextWithRunID(ctx, res.RunID)
	lg := log.FromContext(ctx, "harvest")

	if cfg.LockPath != "" {
		unlock, lerr := acquireLock(cfg.LockPath)
		if lerr != nil {
			return nil, lerr
		}
		defer unlock()
	}
	defer func() { h.finish(ctx, res, err) }()

	lg.Info().Int("channels", len(cfg.Channels)).Str("output", cfg.OutputPath).Msg("harvest starting")

	resolution, err := h.Resolver.Resolve(ctx)
	if err != nil {
		return res, fmt.Errorf("resolve credentials: %w", err)
	}
	defer func() {
		h.Fetcher.SetBrowser(nil)
		if cerr := resolution.Close(); cerr != nil {
			lg.Warn().Err(cerr).Msg("close browser")
		}
	}()
	sess := resolution.Session
	res.Source = sess.Source
	if resolution.Browser != nil {
		h.Fetcher.SetBrowser(resolution.Browser)
	}
	if h.Metrics != nil {
		h.Metrics.ResolvedBy(sess.Source)
	}

	from := h.now()
	to := from.Add(cfg.Window)
	if cfg.Window <= 0 {
		to = from.Add(24 * time.Hour)
	}
	base := catalog.ChannelQuery{
		LineupID:   cfg.LineupID,
		FromMS:     from.UnixMilli(),
		ToMS:       to.UnixMilli(),
		PageSize:   cfg.PageSize,
		SinglePage: cfg.SinglePage,
	}

	smokeID := cfg.SmokeChannel
	if smokeID == "" {
		smokeID = cfg.Channels[0]
	}
	smoke, smokeRecs := h.channel(ctx, lg, sess, base, smokeID)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(smokeRecs) == 0 {
		lg.Error().Str("channel", smokeID).Str("outcome", smoke.Outcome).Str("error", smoke.Err).Msg("smoke test returned no programmes, aborting")
		return res, fmt.Errorf("%w: channel %s returned no programmes", ErrSmokeTest, smokeID)
	}
	lg.Info().Str("channel", smokeID).Int("programmes", len(smokeRecs)).Msg("smoke test passed")

	var limiter *rate.Limiter
	if cfg.ChannelDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.ChannelDelay), 1)
		limiter.Allow() // the smoke fetch used this slot
	}

	cat := catalog.New()
	smokeUsed := false
	for _, id := range cfg.Channels {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if id == smokeID && !smokeUsed {
			smokeUsed = true
			cat.Add(id, smokeRecs)
			res.Channels = append(res.Channels, smoke)
			h.countChannel(smoke.Outcome)
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		cr, recs := h.channel(ctx, lg, sess, base, id)
		cat.Add(id, recs)
		res.Channels = append(res.Channels, cr)
		h.countChannel(cr.Outcome)
	}

	res.Collected = cat.ProgrammeCount()
	lg.Debug().Int("channels", cat.Len()).Int("records", res.Collected).Msg("records collected")

	asm := h.Assembler
	if asm == nil {
		asm = &xmltv.Assembler{}
	}
	tv, st := asm.Assemble(cat)
	res.Programmes, res.Stale, res.Duplicates = st.Programmes, st.Stale, st.Duplicates
	if err := xmltv.Write(cfg.OutputPath, tv); err != nil {
		return res, err
	}
	if h.Metrics != nil {
		h.Metrics.Programmes(st.Programmes)
	}
	if cfg.CatalogPath != "" {
		if err := cat.Save(cfg.CatalogPath); err != nil {
			lg.Warn().Err(err).Msg("save catalog snapshot")
		}
	}

	lg.Info().
		Int("channels", st.Channels).
		Int("programmes", st.Programmes).
		Int("stale", st.Stale).
		Int("duplicates", st.Duplicates).
		Int("failed", res.Count(metrics.OutcomeFailed)).
		Int("empty", res.Count(metrics.OutcomeEmpty)).
		Str("output", cfg.OutputPath).
		Msg("guide written")
	return res, nil
}

// channel fetches and normalizes one channel with the preferred format. When
// that yields nothing without a hard error, it retries once with the
// alternate format.
func (h *Harvester) channel(ctx context.Context, lg zerolog.Logger, sess *session.Session, base catalog.ChannelQuery, id string) (ChannelResult, []catalog.Programme) {
	q := base
	q.ChannelID = id
	kind := h.Fetcher.Preferred()
	cr := ChannelResult{ID: id, Kind: kind}

	pages := h.Fetcher.FetchAll(ctx, sess, q, kind)
	recs := h.normalize(pages)
	cr.Pages = len(pages)
	if len(recs) == 0 && !firstHardError(pages) && ctx.Err() == nil {
		kind = kind.Alternate()
		lg.Info().Str("channel", id).Str("format", kind.String()).Msg("no programmes, retrying with alternate format")
		pages = h.Fetcher.FetchAll(ctx, sess, q, kind)
		recs = h.normalize(pages)
		cr.Pages += len(pages)
		cr.Kind = kind
		if len(recs) > 0 {
			cr.Outcome = metrics.OutcomeRetried
		}
	}
	cr.Programmes = len(recs)

	switch {
	case cr.Outcome != "":
	case len(recs) > 0:
		cr.Outcome = metrics.OutcomeOK
	case firstHardError(pages):
		cr.Outcome = metrics.OutcomeFailed
		cr.Err = pages[0].Err
	default:
		cr.Outcome = metrics.OutcomeEmpty
	}

	ev := lg.Info()
	if cr.Outcome == metrics.OutcomeFailed {
		ev = lg.Warn().Str("error", cr.Err)
	}
	ev.Str("channel", id).Str("outcome", cr.Outcome).Int("programmes", cr.Programmes).Int("pages", cr.Pages).Msg("channel done")
	return cr, recs
}

func (h *Harvester) normalize(pages []catalog.RawPayload) []catalog.Programme {
	var out []catalog.Programme
	for _, p := range pages {
		if p.HardError() {
			continue
		}
		out = append(out, h.Normalizer.Normalize(p)...)
	}
	return out
}

func firstHardError(pages []catalog.RawPayload) bool {
	return len(pages) == 0 || pages[0].HardError()
}

func (h *Harvester) countChannel(outcome string) {
	if h.Metrics != nil {
		h.Metrics.Channel(outcome)
	}
}

// finish records the run summary and metrics on every exit path after the lock.
func (h *Harvester) finish(ctx context.Context, res *Result, runErr error) {
	lg := log.FromContext(ctx, "harvest")
	res.Finished = h.now()
	if h.Store != nil {
		sum := session.RunSummary{
			ID:         res.RunID,
			StartedAt:  res.Started,
			FinishedAt: res.Finished,
			Source:     res.Source,
			Channels:   res.Count(metrics.OutcomeOK) + res.Count(metrics.OutcomeRetried),
			Programmes: res.Programmes,
			Failed:     res.Count(metrics.OutcomeFailed),
		}
		if runErr != nil {
			sum.Err = runErr.Error()
		}
		// The run context may already be canceled; the summary is still wanted.
		if err := h.Store.RecordRun(context.WithoutCancel(ctx), sum); err != nil {
			lg.Warn().Err(err).Msg("record run")
		}
	}
	if h.Metrics != nil {
		h.Metrics.Finish(res.Started, res.Finished)
		if err := h.Metrics.WriteTextfile(h.Config.MetricsFile); err != nil {
			lg.Warn().Err(err).Msg("write metrics")
		}
	}
}

func acquireLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrLocked, path)
	}
	return func() { _ = fl.Unlock() }, nil
}
