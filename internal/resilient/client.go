package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config bundles HTTP client and resilience settings.
type Config struct {
	Client  *http.Client
	Backoff BackoffConfig
}

// DefaultConfig suits bulk downloads from public data portals.
func DefaultConfig(timeout time.Duration) Config {
	return Config{
		Client: &http.Client{Timeout: timeout},
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		},
	}
}

var (
	ErrRateLimited  = errors.New("rate limited")
	ErrServerError  = errors.New("server error")
	ErrNotFound     = errors.New("resource not found")
	ErrUnexpected   = errors.New("unexpected status code")
	ErrCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
	errInvalidCfg   = errors.New("invalid backoff configuration")
)

// StatusError reports a non-retryable client error status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("%s: %d", ErrUnexpected, e.Code) }

func (e *StatusError) Unwrap() error { return ErrUnexpected }

// NewBreaker returns the circuit breaker used for one upstream.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || errors.As(err, &se)
		},
	})
}

// Do executes the request with retries, exponential backoff and a circuit
// breaker. A 404 is returned as ErrNotFound without retrying. The caller
// closes the response body.
func Do(
	ctx context.Context,
	cfg Config,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || cfg.Backoff.InitialInterval <= 0 {
		return nil, errInvalidCfg
	}

	log := zerolog.Ctx(ctx)
	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := buildRequest()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}
			drain(resp)
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				return nil, ErrRateLimited
			case resp.StatusCode >= 500:
				return nil, ErrServerError
			default:
				return nil, &StatusError{Code: resp.StatusCode}
			}
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		var se *StatusError
		if errors.As(err, &se) {
			if se.Code == http.StatusNotFound {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Redacted())
			}
			return nil, err
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Str("url", req.URL.Redacted()).Msg("retrying request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// Download streams a successful response body into w.
func Download(ctx context.Context, cfg Config, cb *gobreaker.CircuitBreaker, w io.Writer, buildRequest func() (*http.Request, error)) (int64, error) {
	resp, err := Do(ctx, cfg, cb, buildRequest)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}
