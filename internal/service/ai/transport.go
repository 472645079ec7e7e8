package ai

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type exchangeKey struct{}

// exchange records what the HTTP layer saw during one completion call so
// failures can be classified without depending on each SDK's error types.
type exchange struct {
	mu        sync.Mutex
	status    int
	transport error
}

func (x *exchange) record(resp *http.Response, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err != nil {
		x.transport = err
		return
	}
	x.status = resp.StatusCode
}

func (x *exchange) snapshot() (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status, x.transport
}

func withExchange(ctx context.Context) (context.Context, *exchange) {
	x := &exchange{}
	return context.WithValue(ctx, exchangeKey{}, x), x
}

type recordingTransport struct {
	base http.RoundTripper
}

func (t recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if x, ok := req.Context().Value(exchangeKey{}).(*exchange); ok {
		x.record(resp, err)
	}
	return resp, err
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: recordingTransport{base: http.DefaultTransport},
	}
}
