package preempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// requestSlack is added to the long-poll timeout to bound a request whose
// server never answers.
const requestSlack = 10 * time.Second

// SignalClient talks to the preemption signal endpoints of one allocation.
type SignalClient struct {
	base      string
	userAgent string
	client    *http.Client
}

func NewSignalClient(masterURL, allocationID string, rank int) *SignalClient {
	return &SignalClient{
		base:      strings.TrimSuffix(masterURL, "/") + "/api/v1/allocations/" + url.PathEscape(allocationID) + "/signal",
		userAgent: fmt.Sprintf("KungFu Peer: %d", rank),
		client:    &http.Client{},
	}
}

func (c *SignalClient) openHTTP(ctx context.Context, method, target string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %s", method, target, resp.Status)
	}
	return resp.Body, nil
}

type preemptionResponse struct {
	Preempt bool `json:"preempt"`
}

// Preemption asks whether the allocation should stop. The server may hold
// the request for up to timeout before answering false.
func (c *SignalClient) Preemption(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+requestSlack)
	defer cancel()
	u := c.base + "/preemption?timeout_seconds=" + strconv.Itoa(int(timeout/time.Second))
	body, err := c.openHTTP(ctx, http.MethodGet, u)
	if err != nil {
		return false, err
	}
	defer body.Close()
	var r preemptionResponse
	if err := json.NewDecoder(body).Decode(&r); err != nil {
		return false, err
	}
	return r.Preempt, nil
}

// AckPreemption tells the master that the signal was received.
func (c *SignalClient) AckPreemption(ctx context.Context) error {
	body, err := c.openHTTP(ctx, http.MethodPost, c.base+"/ack_preemption")
	if err != nil {
		return err
	}
	return body.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
