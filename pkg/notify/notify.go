// Package notify announces updates to important depots.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier announces an important depot update for a collection.
type Notifier interface {
	AnnounceImportantUpdate(ctx context.Context, collectionID uint32, message string) error
}

// LogNotifier writes announcements to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that logs at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) AnnounceImportantUpdate(_ context.Context, collectionID uint32, message string) error {
	n.logger.Info("important depot update",
		zap.Uint32("collection_id", collectionID),
		zap.String("message", message))
	return nil
}

// WebhookPayload is the JSON body posted by WebhookNotifier.
type WebhookPayload struct {
	CollectionID uint32    `json:"collection_id"`
	Message      string    `json:"message"`
	SentAt       time.Time `json:"sent_at"`
}

// WebhookNotifier posts announcements as JSON to a URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook notifier. A zero timeout means 10s.
func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}, nil
}

func (n *WebhookNotifier) AnnounceImportantUpdate(ctx context.Context, collectionID uint32, message string) error {
	body, err := json.Marshal(WebhookPayload{
		CollectionID: collectionID,
		Message:      message,
		SentAt:       n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an announcement out to several notifiers. Every notifier is
// called; failures are joined.
type Multi []Notifier

func (m Multi) AnnounceImportantUpdate(ctx context.Context, collectionID uint32, message string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.AnnounceImportantUpdate(ctx, collectionID, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
