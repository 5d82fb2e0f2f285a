package replica

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/perigeelabs/driftsync/internal/todos"
	"go.uber.org/zap"
)

// ErrUnauthorized indicates the central store rejected the replica's
// credentials. Fatal for the session, never retried automatically.
var ErrUnauthorized = errors.New("replica: unauthorized")

var (
	errMissingBaseURL     = errors.New("base url is required")
	errMissingAccessToken = errors.New("access token is required")
)

// PullRequest asks the central store for everything strictly after Checkpoint.
type PullRequest struct {
	Checkpoint int64
	ActiveOnly bool
	Limit      int
}

// PullResponse carries one page of records and the next checkpoint.
type PullResponse struct {
	Records    []todos.Record
	Checkpoint int64
}

// Transport is the replica's view of the central store: pull, push, and the
// best-effort change-signal stream. Subscribe emits a signal on every
// (re)connect so a replica never relies on having seen a publish it missed
// while disconnected.
type Transport interface {
	Pull(ctx context.Context, request PullRequest) (PullResponse, error)
	Push(ctx context.Context, changes []todos.Record) error
	Subscribe(ctx context.Context) <-chan struct{}
}

const defaultStreamRetryDelay = 5 * time.Second

// HTTPTransportConfig configures the HTTP client against the sync API.
type HTTPTransportConfig struct {
	BaseURL     string
	AccessToken string
	Client      *http.Client
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// HTTPTransport talks to the central store over its HTTP sync endpoints and
// consumes the SSE change stream.
type HTTPTransport struct {
	baseURL     string
	accessToken string
	client      *http.Client
	retryDelay  time.Duration
	logger      *zap.Logger
}

// NewHTTPTransport validates the configuration and constructs the transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errMissingAccessToken
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultStreamRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		client:      client,
		retryDelay:  retryDelay,
		logger:      logger,
	}, nil
}

// Pull fetches one change-log page.
func (t *HTTPTransport) Pull(ctx context.Context, request PullRequest) (PullResponse, error) {
	query := url.Values{}
	query.Set("checkpoint", strconv.FormatInt(request.Checkpoint, 10))
	if request.ActiveOnly {
		query.Set("active_only", "true")
	}
	if request.Limit > 0 {
		query.Set("limit", strconv.Itoa(request.Limit))
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/todos/sync?"+query.Encode(), http.NoBody)
	if err != nil {
		return PullResponse{}, err
	}
	httpRequest.Header.Set("Authorization", "Bearer "+t.accessToken)

	response, err := t.client.Do(httpRequest)
	if err != nil {
		return PullResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return PullResponse{}, ErrUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		return PullResponse{}, fmt.Errorf("pull: unexpected status %d", response.StatusCode)
	}

	var payload struct {
		Records    []todos.Record `json:"records"`
		Checkpoint int64          `json:"checkpoint"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return PullResponse{}, err
	}
	return PullResponse{Records: payload.Records, Checkpoint: payload.Checkpoint}, nil
}

// Push submits a batch of local changes.
func (t *HTTPTransport) Push(ctx context.Context, changes []todos.Record) error {
	body, err := json.Marshal(map[string][]todos.Record{"changes": changes})
	if err != nil {
		return err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/todos/sync", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Authorization", "Bearer "+t.accessToken)
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := t.client.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("push: unexpected status %d", response.StatusCode)
	}

	var payload struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return err
	}
	if !payload.Success {
		return errors.New("push: server reported failure")
	}
	return nil
}

// Subscribe opens the SSE change stream and keeps it open until the context
// ends, reconnecting after the retry delay. Signals are coalesced; the
// channel closes when the context does.
func (t *HTTPTransport) Subscribe(ctx context.Context) <-chan struct{} {
	signals := make(chan struct{}, 1)
	go func() {
		defer close(signals)
		for ctx.Err() == nil {
			if err := t.consumeStream(ctx, signals); err != nil && ctx.Err() == nil {
				t.logger.Warn("change stream interrupted", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.retryDelay):
			}
		}
	}()
	return signals
}

func (t *HTTPTransport) consumeStream(ctx context.Context, signals chan<- struct{}) error {
	streamURL := t.baseURL + "/todos/stream?access_token=" + url.QueryEscape(t.accessToken)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		return err
	}

	response, err := t.client.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: unexpected status %d", response.StatusCode)
	}

	// A fresh connection is itself a resync cue: any publish that happened
	// while disconnected was missed for good.
	emitSignal(signals)

	currentEventType := ""
	reader := bufio.NewReader(response.Body)
	for {
		rawLine, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line := strings.TrimSpace(rawLine)
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if currentEventType == "todo-change" {
				emitSignal(signals)
			}
		}
	}
}

func emitSignal(signals chan<- struct{}) {
	select {
	case signals <- struct{}{}:
	default:
	}
}
