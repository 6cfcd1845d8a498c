package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ReplayFunc sends a queued operation. It returns nil on success and a
// *ReplayError (see Classify) otherwise. Any other error is transient.
type ReplayFunc func(ctx context.Context, op QueuedOperation) error

// ReplayError is a classified failure of a request to the sync server.
type ReplayError struct {
	Permanent  bool
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *ReplayError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failure: HTTP %d: %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", kind, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent replay failure.
func IsPermanent(err error) bool {
	var re *ReplayError
	return errors.As(err, &re) && re.Permanent
}

// IsTransport reports whether err is a failure to reach the server at all.
func IsTransport(err error) bool {
	var re *ReplayError
	if errors.As(err, &re) {
		return re.StatusCode == 0
	}
	return err != nil
}

// Classify maps the outcome of an HTTP exchange to the failure taxonomy.
// Transport errors and 408, 425, 429 and 5xx are transient, other 4xx are
// permanent, 2xx and 3xx are success (nil).
func Classify(resp *http.Response, err error) error {
	if err != nil {
		return &ReplayError{Err: err}
	}
	code := resp.StatusCode
	switch {
	case code < 400:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly,
		code == http.StatusTooManyRequests, code >= 500:
		return &ReplayError{StatusCode: code, Err: errors.New(http.StatusText(code))}
	default:
		return &ReplayError{Permanent: true, StatusCode: code, Err: errors.New(http.StatusText(code))}
	}
}

// HTTPReplayer rebuilds queued requests and sends them with Client.
type HTTPReplayer struct {
	Client *http.Client
}

// Replay implements ReplayFunc.
func (r *HTTPReplayer) Replay(ctx context.Context, op QueuedOperation) error {
	req, err := http.NewRequestWithContext(ctx, op.Method, op.TargetURL, bytes.NewReader(op.Body))
	if err != nil {
		return &ReplayError{Permanent: true, Err: fmt.Errorf("rebuild request: %w", err)}
	}
	for k, vs := range op.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.Client.Do(req)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return Classify(resp, err)
}
