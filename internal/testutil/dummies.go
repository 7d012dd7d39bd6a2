// Package testutil provides shared test doubles for use across package
// tests. All dummies implement the corresponding interfaces from the
// production code, allowing injection into components under test without
// real I/O or side effects.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/scanner"
	"github.com/raysh454/kansa/internal/webclient"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// ─── WebClient ─────────────────────────────────────────────────────────

// DummyWebClient implements webclient.WebClient. Responses are keyed by URL;
// URLs without an entry get a 200 response with body "ok". Set FailURLs[url]
// to force an error for a specific URL, or FailAll for every request.
type DummyWebClient struct {
	Responses     map[string]*webclient.Response
	FailURLs      map[string]bool
	FailAll       bool
	ResponseDelay time.Duration

	mu       sync.Mutex
	Requests []*webclient.Request
}

func (d *DummyWebClient) Do(ctx context.Context, req *webclient.Request) (*webclient.Response, error) {
	if d.ResponseDelay > 0 {
		select {
		case <-time.After(d.ResponseDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	d.mu.Unlock()

	if d.FailAll || (d.FailURLs != nil && d.FailURLs[req.URL]) {
		return nil, fmt.Errorf("dummy webclient: forced failure for %s", req.URL)
	}

	if d.Responses != nil {
		if resp, ok := d.Responses[req.URL]; ok {
			resp.Request = req
			return resp, nil
		}
	}
	return &webclient.Response{
		Request:    req,
		Body:       []byte("ok"),
		Headers:    http.Header{},
		StatusCode: http.StatusOK,
		FetchedAt:  time.Now(),
	}, nil
}

func (d *DummyWebClient) Close() error { return nil }

// RequestCount returns how many requests were recorded.
func (d *DummyWebClient) RequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Requests)
}

// ─── Provider ──────────────────────────────────────────────────────────

// StubProvider implements scanner.Provider and returns a fixed result. Set
// Panic to exercise the safe runner, or Block to park until ctx is done.
type StubProvider struct {
	Comp   model.Component
	Result scanner.Result
	Panic  bool
	Block  bool
	Delay  time.Duration

	mu    sync.Mutex
	Calls int
}

func (s *StubProvider) Component() model.Component { return s.Comp }

func (s *StubProvider) Scan(ctx context.Context, target string, depthFactor float64) scanner.Result {
	s.mu.Lock()
	s.Calls++
	s.mu.Unlock()

	if s.Panic {
		panic("stub provider panic")
	}
	if s.Block {
		<-ctx.Done()
		return scanner.FailureResult(s.Comp, ctx.Err())
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
		}
	}
	return s.Result
}

// CallCount returns how many times Scan ran.
func (s *StubProvider) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}
