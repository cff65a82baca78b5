package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"time"

	"grindstone/internal/statistics"
	"grindstone/internal/template"
)

// maxExtractBodySize limits how much of a response is read for extraction.
const maxExtractBodySize = 10 * 1024 * 1024

// ErrStatus is returned for responses with a status of 400 or more.
var ErrStatus = errors.New("unexpected response status")

// Result is what one request measured.
type Result struct {
	Duration      time.Duration
	StatusCode    int
	BytesRecv     int64
	DNS           time.Duration
	Connect       time.Duration
	FirstByte     time.Duration
	NewConnection bool
	Extract       template.Variables
}

type Step struct {
	config StepConfig
	test   statistics.Test
	client *http.Client
}

func NewStep(cfg StepConfig, client *http.Client) *Step {
	return &Step{config: cfg, test: cfg.test(), client: client}
}

func (s *Step) Test() statistics.Test { return s.test }

// timings collects httptrace callbacks, which may run on other goroutines.
type timings struct {
	mu            sync.Mutex
	start         time.Time
	dnsStart      time.Time
	dnsDone       time.Time
	connectDone   time.Time
	firstByte     time.Time
	newConnection bool
}

func (t *timings) trace() *httptrace.ClientTrace {
	now := func(dst *time.Time) {
		t.mu.Lock()
		*dst = time.Now()
		t.mu.Unlock()
	}
	return &httptrace.ClientTrace{
		DNSStart:             func(httptrace.DNSStartInfo) { now(&t.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { now(&t.dnsDone) },
		ConnectDone:          func(_, _ string, _ error) { now(&t.connectDone) },
		GotFirstResponseByte: func() { now(&t.firstByte) },
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.newConnection = !info.Reused
			t.mu.Unlock()
		},
	}
}

func (t *timings) fill(r *Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dnsDone.IsZero() {
		r.DNS = t.dnsDone.Sub(t.dnsStart)
	}
	if !t.connectDone.IsZero() {
		r.Connect = t.connectDone.Sub(t.start)
	}
	if !t.firstByte.IsZero() {
		r.FirstByte = t.firstByte.Sub(t.start)
	}
	r.NewConnection = t.newConnection
}

// Execute expands the step's placeholders from vars and performs the
// request. The result carries whatever was measured even when an error is
// returned.
func (s *Step) Execute(ctx context.Context, vars template.Variables) (Result, error) {
	var result Result

	url, err := template.Substitute(s.config.URL, vars)
	if err != nil {
		return result, fmt.Errorf("url: %w", err)
	}
	body, err := template.Substitute(s.config.Body, vars)
	if err != nil {
		return result, fmt.Errorf("body: %w", err)
	}
	headers, err := template.SubstituteMap(s.config.Headers, vars)
	if err != nil {
		return result, fmt.Errorf("headers: %w", err)
	}

	t := &timings{start: time.Now()}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, t.trace()), s.config.Method, url, strings.NewReader(body))
	if err != nil {
		return result, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		result.Duration = time.Since(t.start)
		t.fill(&result)
		return result, err
	}
	defer resp.Body.Close()

	var respBody []byte
	if len(s.config.Extract) > 0 {
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxExtractBodySize))
		result.BytesRecv = int64(len(respBody))
	}
	if err == nil {
		var n int64
		n, err = io.Copy(io.Discard, resp.Body)
		result.BytesRecv += n
	}
	result.Duration = time.Since(t.start)
	result.StatusCode = resp.StatusCode
	t.fill(&result)
	if err != nil {
		return result, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}

	if len(s.config.Extract) > 0 {
		result.Extract, err = template.Extract(respBody, s.config.Extract)
		if err != nil {
			return result, fmt.Errorf("extract: %w", err)
		}
	}
	return result, nil
}
