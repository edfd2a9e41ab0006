package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"bustracker/internal/clock"
)

const (
	requestTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

// FetchResult carries one raw upstream exchange: everything the bundler
// records plus the classified outcome.
type FetchResult struct {
	Command     string
	Args        url.Values
	RequestTime time.Time
	Latency     time.Duration
	StatusCode  int
	Body        []byte
	Outcome     Result
}

// Fetcher issues parameterised GETs against one upstream API base URL and
// classifies the responses. It is safe for use by a single scrape loop;
// connection reuse comes from the shared http.Client transport.
type Fetcher struct {
	baseURL  string
	apiKey   string
	format   url.Values
	client   *http.Client
	clk      clock.Clock
	classify func(command string, status int, body []byte, err error) Result
}

// NewBusFetcher builds a fetcher for the bus-time API. Every request gains
// key and format=json parameters.
func NewBusFetcher(baseURL, apiKey string, clk clock.Clock) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		format:  url.Values{"format": {"json"}},
		client:  &http.Client{Timeout: requestTimeout},
		clk:     clk,
		classify: func(command string, status int, body []byte, err error) Result {
			return ClassifyBus(command, status, body, err)
		},
	}
}

// NewTrainFetcher builds a fetcher for the train-tracker API, which spells
// the JSON switch outputType=JSON instead.
func NewTrainFetcher(baseURL, apiKey string, clk clock.Clock) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		format:  url.Values{"outputType": {"JSON"}},
		client:  &http.Client{Timeout: requestTimeout},
		clk:     clk,
		classify: func(_ string, status int, body []byte, err error) Result {
			return ClassifyTrain(status, body, err)
		},
	}
}

// Get performs one upstream call. args must not include the key; it is
// added here and stripped from the recorded request args.
func (f *Fetcher) Get(ctx context.Context, command string, args url.Values) (*FetchResult, error) {
	q := url.Values{}
	for k, vs := range args {
		q[k] = vs
	}
	q.Set("key", f.apiKey)
	for k, vs := range f.format {
		q[k] = vs
	}

	u := fmt.Sprintf("%s/%s?%s", f.baseURL, command, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", command, err)
	}

	res := &FetchResult{
		Command:     command,
		Args:        args,
		RequestTime: f.clk.Now(),
	}
	start := time.Now()
	resp, err := f.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Outcome = f.classify(command, 0, nil, err)
		return res, nil
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		res.Outcome = f.classify(command, 0, nil, err)
		return res, nil
	}
	res.Body = body
	res.Outcome = f.classify(command, resp.StatusCode, body, nil)
	return res, nil
}
