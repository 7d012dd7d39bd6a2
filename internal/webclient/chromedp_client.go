package webclient

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/raysh454/kansa/internal/logging"
)

// ChromeDPClient fetches pages through a headless browser and returns the
// rendered DOM. Used by the content provider at the deepest scan level where
// client-side rendering matters.
type ChromeDPClient struct {
	cfg    Config
	logger logging.Logger
}

func NewChromeDPClient(cfg Config, logger logging.Logger) (WebClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &ChromeDPClient{
		cfg:    cfg,
		logger: logger.With(logging.Field{Key: "backend", Value: "chromedp"}),
	}, nil
}

// waitNetworkIdle signals once no network requests have been in flight for
// idleAfter. Mirrors the "network idle" heuristic browsers use for load
// completion.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) chan struct{} {
	idleChan := make(chan struct{})
	var activeReqs int32
	var timer *time.Timer
	var timerMutex sync.Mutex
	var once sync.Once

	startTimer := func() {
		timerMutex.Lock()
		defer timerMutex.Unlock()

		if timer != nil {
			timer.Stop()
		}

		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&activeReqs) == 0 {
				once.Do(func() { close(idleChan) })
			}
		})
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&activeReqs, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&activeReqs, -1) == 0 {
				startTimer()
			}
		}
	})

	return idleChan
}

func (cdc *ChromeDPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	runCtx, cancel := context.WithTimeout(ctx, cdc.cfg.Timeout)
	defer cancel()

	browserCtx, browserCancel := chromedp.NewContext(runCtx)
	defer browserCancel()

	waitIdleChan := waitNetworkIdle(browserCtx, 2*time.Second)

	start := time.Now()
	if err := chromedp.Run(browserCtx, chromedp.Navigate(req.URL)); err != nil {
		cdc.logger.Warn("navigation failed",
			logging.Field{Key: "url", Value: req.URL},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, err
	}

	select {
	case <-waitIdleChan:
	case <-browserCtx.Done():
		return nil, browserCtx.Err()
	}

	var html string
	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, err
	}

	body := []byte(html)
	if cdc.cfg.MaxBodyBytes > 0 && int64(len(body)) > cdc.cfg.MaxBodyBytes {
		body = body[:cdc.cfg.MaxBodyBytes]
	}

	return &Response{
		Request:    req,
		Body:       body,
		Headers:    http.Header{},
		StatusCode: http.StatusOK,
		FetchedAt:  time.Now(),
		Total:      time.Since(start),
	}, nil
}

func (cdc *ChromeDPClient) Close() error {
	return nil
}
