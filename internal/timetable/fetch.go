package timetable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	appLog "unical/internal/log"
	"unical/internal/metrics"
	"unical/internal/model"
	"unical/internal/program"
)

const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxConcurrency = 8

	maxBodyBytes = 32 << 20
)

// Options configures a Fetcher. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds each per-year request, measured after the request
	// obtains a pool slot.
	Timeout time.Duration

	// MaxConcurrency caps in-flight upstream requests across every program
	// served by this Fetcher.
	MaxConcurrency int

	UserAgent string

	// ProgramYears holds manual year counts by program name. A descriptor's
	// own Years field takes precedence.
	ProgramYears map[string]int

	// Client is used as-is when set; its own Timeout is left untouched.
	Client *http.Client
}

// Fetcher retrieves raw timetable records for one program, fanning out one
// request per academic year. It never fails as a whole: every error is
// logged and degrades to fewer records.
type Fetcher struct {
	client       *http.Client
	sem          *semaphore.Weighted
	timeout      time.Duration
	userAgent    string
	programYears map[string]int
}

// NewFetcher creates a Fetcher with a bounded request pool.
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	years := make(map[string]int, len(opts.ProgramYears))
	for k, v := range opts.ProgramYears {
		years[k] = v
	}
	return &Fetcher{
		client:       client,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		timeout:      opts.Timeout,
		userAgent:    opts.UserAgent,
		programYears: years,
	}
}

// yearRequest is one planned sub-fetch.
type yearRequest struct {
	year int
	url  string
}

// Plan returns the per-year request URLs for d, in year order.
func (f *Fetcher) Plan(d model.ProgramDescriptor) ([]string, error) {
	reqs, err := f.plan(d)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.url
	}
	return out, nil
}

func (f *Fetcher) plan(d model.ProgramDescriptor) ([]yearRequest, error) {
	base, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", d.URL)
	}

	curricula := d.CurriculaParam()
	build := func(year int) string {
		u := *base
		q := u.Query()
		q.Set("anno", strconv.Itoa(year))
		if curricula != "" {
			q.Set("curricula", curricula)
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	year, explicit, err := d.ExplicitYear()
	if err != nil {
		return nil, err
	}
	if explicit {
		return []yearRequest{{year: year, url: build(year)}}, nil
	}

	override := d.Years
	if override <= 0 {
		override = f.programYears[d.Name]
	}
	n, class := program.YearCount(d.URL, d.Name, override)
	appLog.Debug("timetable plan", "program", d.Name, "class", class.String(), "years", n)

	reqs := make([]yearRequest, 0, n)
	for y := 1; y <= n; y++ {
		reqs = append(reqs, yearRequest{year: y, url: build(y)})
	}
	return reqs, nil
}

// FetchProgram returns every raw record of the program, tagged with its year
// and d.Name. A failed year contributes nothing; a failed program returns nil.
func (f *Fetcher) FetchProgram(ctx context.Context, d model.ProgramDescriptor) []model.RawRecord {
	reqs, err := f.plan(d)
	if err != nil {
		metrics.RecordProgramFailure()
		appLog.Error("timetable program skipped", err, "program", d.Name, "url", redactURL(d.URL))
		return nil
	}

	appLog.Info("timetable fetch start", "program", d.Name, "years", len(reqs))

	// One slot per year keeps tagging independent of completion order.
	results := make([][]model.RawRecord, len(reqs))
	var g errgroup.Group
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			recs, err := f.fetchYear(ctx, r.url)
			if err != nil {
				appLog.Error("timetable year fetch failed", err,
					"program", d.Name, "year", r.year, "url", redactURL(r.url))
				return nil
			}
			for j := range recs {
				recs[j].Year = r.year
				recs[j].Program = d.Name
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, rs := range results {
		total += len(rs)
	}
	out := make([]model.RawRecord, 0, total)
	for _, rs := range results {
		out = append(out, rs...)
	}

	appLog.Info("timetable fetch done", "program", d.Name, "records", len(out))
	return out
}

// fetchYear performs one upstream GET and decodes the JSON array body.
func (f *Fetcher) fetchYear(ctx context.Context, rawURL string) ([]model.RawRecord, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	recs, outcome, err := f.get(ctx, rawURL)
	metrics.RecordUpstreamRequest(outcome, time.Since(start))
	return recs, err
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]model.RawRecord, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, metrics.OutcomeNetwork, err
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, metrics.OutcomeTimeout, err
		}
		return nil, metrics.OutcomeNetwork, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, metrics.OutcomeStatus, errors.New(resp.Status)
	}

	var recs []model.RawRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&recs); err != nil {
		if isTimeout(err) {
			return nil, metrics.OutcomeTimeout, err
		}
		return nil, metrics.OutcomeDecode, fmt.Errorf("decode body: %w", err)
	}
	return recs, metrics.OutcomeOK, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redactURL drops credentials and the query string from u for logging.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "timetable://...(redacted)"
	}
	parsed.User = nil
	if parsed.RawQuery != "" {
		parsed.RawQuery = "..."
	}
	return parsed.String()
}
