package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stolink/imageworker/internal/model"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxAttempts    = 5
	DefaultAttemptTimeout = 30 * time.Second
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// Config controls callback delivery.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// DefaultURL receives payloads of jobs that carry no callback URL.
	DefaultURL string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// DeliveryError reports a callback that could not be delivered, either
// because the endpoint rejected it or because every attempt failed.
type DeliveryError struct {
	JobID     string
	URL       string
	Attempts  int
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "exhausted"
	if e.Permanent {
		kind = "rejected"
	}
	return fmt.Sprintf("callback for job %s to %s %s after %d attempt(s): %v", e.JobID, e.URL, kind, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// statusError is a non-2xx answer from the callback endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// Dispatcher posts callback payloads with bounded retries.
type Dispatcher struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil client uses http.DefaultClient.
func NewDispatcher(client *http.Client, cfg Config, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// URLFor returns the URL a job's callback goes to, falling back to the
// configured default.
func (d *Dispatcher) URLFor(job model.Job) string {
	if job.CallbackURL != "" {
		return job.CallbackURL
	}
	return d.cfg.DefaultURL
}

// Dispatch delivers payload to url and returns the number of attempts made.
// An empty url skips delivery with zero attempts and no error. Transient
// failures (timeouts, connection errors, 5xx, 408 and 429) are retried with
// exponential backoff; any other 4xx stops delivery immediately. A failed
// delivery is returned as a *DeliveryError.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, payload model.CallbackPayload) (int, error) {
	log := d.logger.With("job_id", payload.JobID, "status", payload.Status)
	if url == "" {
		log.Info("no callback url, skipping delivery")
		deliveriesTotal.WithLabelValues("skipped").Inc()
		return 0, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal callback payload: %w", err)
	}

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		err := d.post(ctx, url, payload.JobID, body)
		if err == nil {
			attemptsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err
		if transient(err) {
			attemptsTotal.WithLabelValues("transient").Inc()
			return err
		}
		attemptsTotal.WithLabelValues("permanent").Inc()
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.MaxInterval = d.cfg.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn("callback attempt failed, retrying",
			"url", url, "attempt", attempts, "backoff_ms", wait.Milliseconds(), "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		derr := &DeliveryError{
			JobID:     payload.JobID,
			URL:       url,
			Attempts:  attempts,
			Permanent: !transient(lastErr),
			Err:       lastErr,
		}
		if derr.Permanent {
			deliveriesTotal.WithLabelValues("rejected").Inc()
		} else {
			deliveriesTotal.WithLabelValues("exhausted").Inc()
		}
		log.Error("callback delivery failed", "url", url, "attempts", attempts, "error", lastErr)
		return attempts, derr
	}

	deliveriesTotal.WithLabelValues("delivered").Inc()
	log.Info("callback delivered", "url", url, "attempts", attempts)
	return attempts, nil
}

// post performs a single delivery attempt under the attempt timeout.
func (d *Dispatcher) post(ctx context.Context, url, jobID string, body []byte) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", jobID)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(snippet))}
}

// transient reports whether a failed attempt may succeed if repeated.
func transient(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.code >= 500:
			return true
		case se.code == http.StatusTooManyRequests, se.code == http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}
	// Transport failures: timeouts, refused or reset connections.
	return true
}
