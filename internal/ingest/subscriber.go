package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

const defaultMaxOutstanding = 64

// SubscriberConfig controls the discovery subscriber.
type SubscriberConfig struct {
	// Subscription is the Pub/Sub subscription ID to pull from.
	Subscription string
	// MaxOutstanding caps unacked messages in flight (default 64).
	MaxOutstanding int
}

// Subscriber drains discovery messages from a Pub/Sub subscription into the
// backlog. Malformed messages are acked and dropped so they cannot wedge the
// subscription; backlog write failures nack for redelivery.
type Subscriber struct {
	client *pubsub.Client
	claims harvest.ClaimStore
	cfg    SubscriberConfig
	logger *zap.Logger

	received atomic.Int64
	added    atomic.Int64
	dropped  atomic.Int64
}

// SubscriberStats reports lifetime subscriber counts.
type SubscriberStats struct {
	Received int64
	Added    int64
	Dropped  int64
}

// NewSubscriber wires a Pub/Sub client and claim store into a Subscriber.
func NewSubscriber(
	client *pubsub.Client,
	claims harvest.ClaimStore,
	cfg SubscriberConfig,
	logger *zap.Logger,
) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if claims == nil {
		return nil, errors.New("claim store is required")
	}
	if cfg.Subscription == "" {
		return nil, errors.New("pubsub.subscription is required")
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = defaultMaxOutstanding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		client: client,
		claims: claims,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run receives messages until ctx is canceled. It returns nil on a clean
// cancellation; Pub/Sub handles redelivery of anything nacked or unacked.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscription(s.cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = s.cfg.MaxOutstanding
	s.logger.Info("discovery subscriber started",
		zap.String("subscription", s.cfg.Subscription),
		zap.Int("max_outstanding", s.cfg.MaxOutstanding))
	if err := sub.Receive(ctx, s.handle); err != nil {
		return fmt.Errorf("receive discovery messages: %w", err)
	}
	return nil
}

// Stats returns the subscriber's lifetime counters.
func (s *Subscriber) Stats() SubscriberStats {
	return SubscriberStats{
		Received: s.received.Load(),
		Added:    s.added.Load(),
		Dropped:  s.dropped.Load(),
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *pubsub.Message) {
	s.received.Add(1)
	items, err := decodeItems(msg.Data)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("dropping malformed discovery message",
			zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	added, err := s.claims.Add(ctx, items)
	if err != nil {
		s.logger.Error("backlog add failed, message will redeliver",
			zap.String("message_id", msg.ID), zap.Error(err))
		msg.Nack()
		return
	}
	s.added.Add(int64(added))
	msg.Ack()
}

// decodeItems accepts three payload shapes: a JSON array of work items, a
// single JSON work item, or a bare URL from lightweight discovery jobs.
func decodeItems(data []byte) ([]harvest.WorkItem, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty message")
	}
	switch trimmed[0] {
	case '[':
		var items []harvest.WorkItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode item array: %w", err)
		}
		if len(items) == 0 {
			return nil, errors.New("empty item array")
		}
		return normalizeItems(items)
	case '{':
		var item harvest.WorkItem
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		return normalizeItems([]harvest.WorkItem{item})
	default:
		return normalizeItems([]harvest.WorkItem{{URL: string(trimmed)}})
	}
}

// normalizeItems canonicalizes URLs, derives missing listing IDs, and defaults
// the partition to the listing host.
func normalizeItems(items []harvest.WorkItem) ([]harvest.WorkItem, error) {
	out := make([]harvest.WorkItem, 0, len(items))
	for i := range items {
		item := items[i]
		normalized, err := harvest.NormalizeURL(item.URL)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		item.URL = normalized
		if item.ID == "" {
			item.ID = harvest.ListingIDFromURL(normalized)
		}
		if item.Partition == "" {
			item.Partition = harvest.HostOf(normalized)
		}
		out = append(out, item)
	}
	return out, nil
}
