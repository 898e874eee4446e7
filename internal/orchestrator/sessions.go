package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/randomizedcoder/go-abr-swarm/internal/config"
	"github.com/randomizedcoder/go-abr-swarm/internal/fetch"
	"github.com/randomizedcoder/go-abr-swarm/internal/liveedge"
	"github.com/randomizedcoder/go-abr-swarm/internal/manifest"
	"github.com/randomizedcoder/go-abr-swarm/internal/selector"
	"github.com/randomizedcoder/go-abr-swarm/internal/session"
	"github.com/randomizedcoder/go-abr-swarm/internal/supervisor"
	"github.com/randomizedcoder/go-abr-swarm/internal/urllist"
)

// sessionFactory builds sessions from the objects every slot shares. All
// of them are safe for concurrent use.
type sessionFactory struct {
	policy    selector.Policy
	urls      *urllist.List
	fetcher   fetch.Fetcher
	dash      *manifest.DASHParser
	shifts    *liveedge.ShiftSource
	callbacks session.Callbacks
	logger    *slog.Logger

	codecFilter        string
	skipAudio          bool
	uidParam           string
	maxCycles          int
	segmentErrorBudget int
}

// New implements supervisor.Factory.
func (f *sessionFactory) New(slot, generation int) supervisor.Runner {
	return session.New(session.Config{
		Policy:             f.policy,
		URLs:               f.urls,
		Fetcher:            f.fetcher,
		DASH:               f.dash,
		Timeshift:          f.shifts.Next(),
		CodecFilter:        f.codecFilter,
		SkipAudio:          f.skipAudio,
		UIDParam:           f.uidParam,
		MaxCycles:          f.maxCycles,
		SegmentErrorBudget: f.segmentErrorBudget,
		Logger:             f.logger.With("slot", slot, "generation", generation),
		Callbacks:          f.callbacks,
	})
}

// buildURLs loads the weighted url list, or wraps the single entry URL.
func buildURLs(cfg *config.Config) (*urllist.List, error) {
	var (
		list *urllist.List
		err  error
	)
	if cfg.URLList != "" {
		list, err = urllist.Load(cfg.URLList)
	} else {
		list, err = urllist.Single(cfg.StreamURL)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Seed != 0 {
		list.WithSeed(cfg.Seed)
	}
	return list, nil
}

// buildPolicy resolves -profile-selection. A seeded run gets a seeded
// random policy so that representation draws repeat.
func buildPolicy(cfg *config.Config) (selector.Policy, error) {
	p, err := selector.Parse(cfg.ProfileSelection)
	if err != nil {
		return nil, err
	}
	if _, ok := p.(*selector.Random); ok && cfg.Seed != 0 {
		return selector.NewSeededRandom(cfg.Seed + 1), nil
	}
	return p, nil
}

// buildFetcher returns the shared HTTP fetcher wrapped in transport retries.
func buildFetcher(cfg *config.Config, logger *slog.Logger) (fetch.Fetcher, error) {
	hc := fetch.DefaultHTTPConfig()
	hc.Timeout = cfg.Timeout
	hc.UserAgent = cfg.UserAgent
	hc.Headers = cfg.Headers
	hc.NoCache = cfg.NoCache
	hc.ResolveIP = cfg.ResolveIP
	hc.InsecureTLS = cfg.DangerousMode
	hc.MaxIdleConnsPerHost = max(cfg.Sessions, hc.MaxIdleConnsPerHost)

	f, err := fetch.NewHTTPFetcher(hc)
	if err != nil {
		return nil, err
	}

	notify := func(url string, attempt int, err error, wait time.Duration) {
		logger.Debug("fetch_retry",
			"url", url,
			"attempt", attempt,
			"error", err,
			"wait", wait.String(),
		)
	}
	return fetch.NewRetrying(f, cfg.Retries, cfg.RetryDelay, notify), nil
}

// entryProbe fetches and parses one entry manifest, for preflight.
func entryProbe(f fetch.Fetcher, urls *urllist.List, dash *manifest.DASHParser) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		entry := urls.Pick()
		resp, err := f.Fetch(ctx, fetch.Request{URL: entry})
		if err != nil {
			return "", err
		}
		if err := fetch.CheckStatus(resp); err != nil {
			return "", err
		}

		format := manifest.Classify(entry, resp.ContentType())
		var m *manifest.Manifest
		switch format {
		case manifest.FormatHLS:
			m, err = manifest.ParseHLS(resp.Body, entry)
		case manifest.FormatDASH:
			m, err = dash.Parse(resp.Body, entry)
		default:
			err = &manifest.UnsupportedFormatError{URL: entry, ContentType: resp.ContentType()}
		}
		if err != nil {
			return "", err
		}
		if !m.IsVariant || len(m.Representations) == 0 {
			return "", &manifest.NoRepresentationsError{URL: entry, Reason: "entry document lists no variants"}
		}

		return fmt.Sprintf("%s, %d representations, %s in %s",
			format, len(m.Representations),
			humanize.Bytes(uint64(resp.ByteLength())), resp.Elapsed.Round(time.Millisecond)), nil
	}
}
