package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/flowqueue/internal/rpc"
	"github.com/ChuLiYu/flowqueue/pkg/types"
)

const defaultAttempts = 3

// StatusError is a non-2xx answer of the coordinator. It is never retried.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Message)
}

// HTTPSource talks to the coordinator HTTP API.
type HTTPSource struct {
	base     string
	client   *http.Client
	username string
	password string
	attempts int
	backoff  time.Duration
}

// NewHTTPSource creates a source for the API at baseURL.
func NewHTTPSource(baseURL, username, password string, timeout time.Duration) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("worker: bad server url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		base:     strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		username: username,
		password: password,
		attempts: defaultAttempts,
		backoff:  200 * time.Millisecond,
	}, nil
}

// NextTask is only resent when the connection could not be opened. A claim
// whose answer was lost stays locked until its lease expires, so a blind
// resend could hold two tasks for one runner.
func (s *HTTPSource) NextTask(ctx context.Context, req types.NextTaskRequest) (*types.Task, error) {
	var resp rpc.NextTaskResponse
	if err := s.send(ctx, dialFailed, http.MethodPost, "/tasks/next", req, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (s *HTTPSource) UpdateProgress(ctx context.Context, u types.ProgressUpdate) (bool, error) {
	var resp rpc.ChangedResponse
	if err := s.do(ctx, http.MethodPut, "/tasks/progress", u, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func (s *HTTPSource) Keepalive(ctx context.Context, id types.TaskID, worker types.WorkerDetails) (bool, error) {
	var resp rpc.ChangedResponse
	if err := s.do(ctx, http.MethodPut, "/tasks/lock", rpc.KeepaliveRequest{TaskID: id, Worker: worker}, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

func (s *HTTPSource) SaveResults(ctx context.Context, id types.TaskID, files []types.ResultFile) ([]string, error) {
	var resp rpc.ResultsResponse
	if err := s.do(ctx, http.MethodPut, "/tasks/results", rpc.ResultsRequest{TaskID: id, Files: files}, &resp); err != nil {
		return nil, err
	}
	return resp.Locations, nil
}

func (s *HTTPSource) Unlock(ctx context.Context, id types.TaskID) error {
	return s.do(ctx, http.MethodDelete, "/tasks/lock?task_id="+id.String(), nil, nil)
}

func (s *HTTPSource) RemoveTask(ctx context.Context, id types.TaskID) (bool, error) {
	var resp rpc.ChangedResponse
	if err := s.do(ctx, http.MethodDelete, "/tasks/task?task_id="+id.String(), nil, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// do sends one JSON request. Timeouts and connection level failures are
// retried up to s.attempts times; any HTTP status is final.
func (s *HTTPSource) do(ctx context.Context, method, path string, in, out any) error {
	return s.send(ctx, retryable, method, path, in, out)
}

func (s *HTTPSource) send(ctx context.Context, retry func(error) bool, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("worker: encode %s: %w", path, err)
		}
	}

	for attempt := 1; ; attempt++ {
		resp, err := s.roundTrip(ctx, method, path, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= s.attempts || !retry(err) {
				return fmt.Errorf("worker: %s %s: %w", method, path, err)
			}
			log.Warn("Coordinator request failed, retrying", "path", path, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
			continue
		}
		return s.read(resp, method, path, out)
	}
}

func (s *HTTPSource) roundTrip(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return s.client.Do(req)
}

func (s *HTTPSource) read(resp *http.Response, method, path string, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		log.Error("Coordinator rejected request", "path", path, "status", resp.StatusCode, "message", serr.Message)
		return serr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("worker: decode %s: %w", path, err)
	}
	return nil
}

func retryable(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// dialFailed reports whether the request never reached the coordinator.
func dialFailed(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
