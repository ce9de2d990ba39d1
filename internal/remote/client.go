package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jvs-project/jvb/pkg/config"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
)

// Config configures a Client.
type Config struct {
	URL            string
	Token          string
	MaxAttempts    int
	InitialBackoff time.Duration
	Timeout        time.Duration
	Concurrency    int
	Prune          bool
}

// ConfigFrom reads the remote section of a repository configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		URL:            c.Remote.URL,
		Token:          c.Remote.Token,
		MaxAttempts:    c.Remote.MaxAttempts,
		InitialBackoff: c.InitialBackoff(),
		Timeout:        c.RemoteTimeout(),
		Concurrency:    c.Remote.Concurrency,
		Prune:          c.Remote.Prune,
	}
}

// Client talks to one backup server. Network errors, 429 and 5xx responses
// are retried with exponential backoff; any other 4xx aborts immediately.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *logging.Logger
	retries atomic.Int64
}

// NewClient creates a client. A nil httpClient uses one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *logging.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errclass.ErrRemoteFatal.WithMessage("remote url not configured")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

// Retries returns how many requests were retried so far.
func (c *Client) Retries() int {
	return int(c.retries.Load())
}

// ListObjects returns every hash the server holds.
func (c *Client) ListObjects(ctx context.Context) ([]model.ContentHash, error) {
	var list ObjectList
	if err := c.getJSON(ctx, objectsPath, &list); err != nil {
		return nil, err
	}
	return list.Hashes, nil
}

// PutObject uploads framed object bytes.
func (c *Client) PutObject(ctx context.Context, h model.ContentHash, framed []byte) error {
	_, err := c.do(ctx, http.MethodPut, objectsPath+"/"+string(h), framed, contentTypeObject)
	return err
}

// ListManifests returns the server's manifests with their checksums.
func (c *Client) ListManifests(ctx context.Context) ([]model.RemoteManifest, error) {
	var list ManifestList
	if err := c.getJSON(ctx, manifestsPath, &list); err != nil {
		return nil, err
	}
	return list.Manifests, nil
}

// PutManifest uploads a manifest document.
func (c *Client) PutManifest(ctx context.Context, id model.SnapshotID, raw []byte) error {
	_, err := c.do(ctx, http.MethodPut, manifestsPath+"/"+string(id), raw, contentTypeJSON)
	return err
}

// DeleteManifest removes a manifest from the server.
func (c *Client) DeleteManifest(ctx context.Context, id model.SnapshotID) error {
	_, err := c.do(ctx, http.MethodDelete, manifestsPath+"/"+string(id), nil, "")
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errclass.ErrRemoteFatal.Wrap(err, "decode %s", path)
	}
	return nil
}

// do sends one request, retrying transient failures.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	backoff := wait.Backoff{
		Duration: c.cfg.InitialBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    c.cfg.MaxAttempts,
		Cap:      30 * time.Second,
	}

	var (
		attempt  int
		body     []byte
		lastErr  error
		fatalErr error
	)
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if attempt > 1 {
			c.retries.Add(1)
			c.logger.Debug("retrying remote request", map[string]any{
				"method": method, "path": path, "attempt": attempt, "error": lastErr.Error(),
			})
		}
		b, err := c.attempt(ctx, method, path, payload, contentType)
		if err == nil {
			body = b
			return true, nil
		}
		if errors.Is(err, errclass.ErrRemoteTransient) {
			lastErr = err
			return false, nil
		}
		fatalErr = err
		return false, err
	})
	switch {
	case err == nil:
		return body, nil
	case fatalErr != nil:
		return nil, fatalErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case lastErr != nil:
		return nil, errclass.ErrRemoteTransient.Wrap(lastErr, "%s %s failed after %d attempts", method, path, attempt)
	default:
		return nil, errclass.ErrRemoteTransient.Wrap(err, "%s %s", method, path)
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reader)
	if err != nil {
		return nil, errclass.ErrRemoteFatal.Wrap(err, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", "jvb-sync/1")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Connection refused, reset, timeouts and truncated responses.
		return nil, errclass.ErrRemoteTransient.Wrap(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errclass.ErrRemoteTransient.Wrap(err, "read response of %s %s", method, path)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	msg := fmt.Sprintf("%s %s: http %d", method, path, resp.StatusCode)
	var eb ErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		msg += ": " + eb.Error
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, errclass.ErrRemoteTransient.WithMessage(msg)
	}
	return nil, errclass.ErrRemoteFatal.WithMessage(msg)
}
