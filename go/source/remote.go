package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/profviz/tileserv/go/log"
	"github.com/profviz/tileserv/go/tiles"
)

const (
	// remoteMaxRetries bounds the in-worker retries on transport
	// failures. Timeouts are never retried here; the cache cooldown
	// owns that policy.
	remoteMaxRetries = 3

	remoteInitialInterval = 100 * time.Millisecond
)

// Remote fetches tile payloads from a tileserv server over HTTP. It is safe
// for concurrent use; the embedded http.Client manages the connection pool.
type Remote struct {
	baseURL string
	client  *http.Client
}

// NewRemote returns a Remote for the given base URL, e.g.
// "https://tiles.example.org". The per-request deadline comes from the
// caller's context; timeout is the client-level ceiling applied when the
// context carries none.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchTile implements DataSource. Connection-level failures are retried
// with exponential backoff; deadline overruns and missing tiles surface
// immediately as ErrTimeout and ErrNotFound.
func (r *Remote) FetchTile(ctx context.Context, key tiles.TileKey) ([]byte, error) {
	url := fmt.Sprintf("%s/tile/%s", r.baseURL, key)

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "building request"))
		}
		req.Header.Set("Accept", "application/octet-stream")
		resp, err := r.client.Do(req)
		if err != nil {
			return classifyTransportErr(err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		switch resp.StatusCode {
		case http.StatusOK:
			// Fall through to the body read.
		case http.StatusNotFound:
			return backoff.Permanent(errors.Wrapf(ErrNotFound, "GET %s", url))
		default:
			return errors.Wrapf(ErrTransport, "GET %s returned %d", url, resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return classifyTransportErr(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newRemoteBackOff(), remoteMaxRetries), ctx)
	if err := backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Debugf("fetch %s: %s", key, err)
		}
		return err
	}, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func newRemoteBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = remoteInitialInterval
	return b
}

// classifyTransportErr splits deadline overruns from connection failures so
// the scheduler and cache can apply different retry policies to each.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(errors.Wrapf(ErrTimeout, "%v", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return backoff.Permanent(errors.Wrapf(ErrTimeout, "%v", err))
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	return errors.Wrapf(ErrTransport, "%v", err)
}
