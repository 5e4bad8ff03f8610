package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrReplayNetwork means the replay attempt never reached the
	// server. The item stays queued; retry is a manual user action.
	ErrReplayNetwork = errors.New("network failure during replay")

	// ErrReplayAuth means the server rejected the stored anti-forgery
	// token. The item stays queued. There is no automatic retry:
	// retrying against a stale token could loop indefinitely.
	ErrReplayAuth = errors.New("authentication failure during replay")

	// ErrReplayRejected means the server returned a non-auth error
	// status. The item stays queued.
	ErrReplayRejected = errors.New("server rejected replay")
)

const (
	// CSRFHeader carries the anti-forgery token on replay.
	CSRFHeader = "X-CSRF-Token"
	// TokenField is the conventional anti-forgery form field.
	TokenField = "authenticity_token"
)

type Config struct {
	// Durable storage for queued requests.
	Store Store
	// Timeout for one replay attempt.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Queue records form submissions made while offline and replays them
// against the network once connectivity returns.
type Queue struct {
	store      Store
	httpClient http.Client
	log        zerolog.Logger
}

func New(config Config) *Queue {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Queue{
		store: config.Store,
		log:   logger,
		httpClient: http.Client{
			Timeout: timeout,
			// a redirect after a form submission is a success, not
			// something to follow
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Enqueue appends a submission to the queue and returns it with its
// store-assigned identifier.
func (q *Queue) Enqueue(ctx context.Context, item QueuedRequest) (QueuedRequest, error) {
	id, err := q.store.Insert(ctx, item)
	if err != nil {
		q.log.Error().Err(err).Str("url", item.URL).Msg("Could not store submission")
		return item, err
	}
	item.ID = id
	q.log.Info().Int64("id", id).Str("model", item.Model).Str("action", item.Action).
		Msg("Queued offline submission")
	return item, nil
}

// List returns the queued submissions in insertion order.
func (q *Queue) List(ctx context.Context) ([]QueuedRequest, error) {
	return q.store.List(ctx)
}

// Discard deletes a queued submission without replaying it.
// This is an explicit user decision to abandon pending work.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	q.log.Info().Int64("id", id).Msg("Discarded queued submission")
	return nil
}

// Replay re-issues the queued submission against the network and
// deletes it on success. On failure the item stays queued and the
// failure kind is returned; the caller decides whether to retry.
func (q *Queue) Replay(ctx context.Context, id int64) error {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}

	req, err := q.buildRequest(ctx, item)
	if err != nil {
		return err
	}

	res, err := q.httpClient.Do(req)
	if err != nil {
		q.log.Debug().Err(err).Int64("id", id).Msg("Replay did not reach the server")
		return fmt.Errorf("%w: %v", ErrReplayNetwork, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		q.log.Warn().Int64("id", id).Int("status", res.StatusCode).Msg("Replay token rejected")
		return fmt.Errorf("%w: status %d", ErrReplayAuth, res.StatusCode)
	case res.StatusCode >= http.StatusBadRequest:
		q.log.Warn().Int64("id", id).Int("status", res.StatusCode).Msg("Replay rejected")
		return fmt.Errorf("%w: status %d", ErrReplayRejected, res.StatusCode)
	}

	if err := q.store.Delete(ctx, id); err != nil {
		q.log.Error().Err(err).Int64("id", id).Msg("Replayed but could not delete from queue")
		return err
	}
	q.log.Info().Int64("id", id).Str("url", item.URL).Msg("Replayed queued submission")
	return nil
}

// buildRequest reconstructs the form-encoded request from the stored
// flat field mapping, with the captured anti-forgery token attached
// both as header and form field.
func (q *Queue) buildRequest(ctx context.Context, item QueuedRequest) (*http.Request, error) {
	fields := make(map[string]string)
	if err := json.Unmarshal([]byte(item.Data), &fields); err != nil {
		return nil, fmt.Errorf("stored payload for item %d is corrupt: %w", item.ID, err)
	}

	values := url.Values{}
	for name, value := range fields {
		values.Set(name, value)
	}
	if item.Token != "" {
		values.Set(TokenField, item.Token)
	}

	method := strings.ToUpper(item.Method)
	req, err := http.NewRequestWithContext(ctx, method, item.URL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if item.Token != "" {
		req.Header.Set(CSRFHeader, item.Token)
	}
	return req, nil
}
