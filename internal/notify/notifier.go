// Package notify turns committed item writes into best-effort push
// notifications for every member except the actor. Delivery is strictly
// advisory: no failure here retries, propagates, or touches the item write.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/pantrylab/cartsync/internal/devices"
	"github.com/pantrylab/cartsync/internal/items"
)

const defaultConcurrency = 8

// ErrTokenInvalid marks a delivery outcome whose token should be pruned.
// Pushers wrap it for permanently undeliverable tokens.
var ErrTokenInvalid = errors.New("notify: device token invalid")

// Message is the logical push payload.
type Message struct {
	Title string
	Body  string
	Data  Data
}

// Data rides along with the push so the consuming app can route to the list.
type Data struct {
	ListID     string
	ItemID     string
	ChangeType string
	URL        string
}

// Pusher delivers one message to one device token.
type Pusher interface {
	Push(ctx context.Context, token devices.DeviceToken, msg Message) error
}

// NameResolver resolves display names, best effort.
type NameResolver interface {
	DisplayName(ctx context.Context, uid string) string
}

// TokenStore supplies delivery tokens and accepts prune batches.
type TokenStore interface {
	TokensForUsers(ctx context.Context, uids []string) ([]devices.DeviceToken, error)
	Prune(ctx context.Context, tokens []string) error
}

// NotifierConfig bundles the notifier dependencies.
type NotifierConfig struct {
	Database    *gorm.DB
	Names       NameResolver
	Tokens      TokenStore
	Pusher      Pusher
	Logger      *zap.Logger
	Concurrency int
	AppBaseURL  string
}

// Notifier classifies committed item writes and multicasts push messages.
type Notifier struct {
	db          *gorm.DB
	names       NameResolver
	tokens      TokenStore
	pusher      Pusher
	logger      *zap.Logger
	concurrency int
	appBaseURL  string
}

// NewNotifier constructs the notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("notify: database handle is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("notify: token store is required")
	}
	if cfg.Pusher == nil {
		return nil, fmt.Errorf("notify: pusher is required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		db:          cfg.Database,
		names:       cfg.Names,
		tokens:      cfg.Tokens,
		pusher:      cfg.Pusher,
		logger:      logger,
		concurrency: concurrency,
		appBaseURL:  strings.TrimRight(strings.TrimSpace(cfg.AppBaseURL), "/"),
	}, nil
}

// ItemChanged implements items.ChangeObserver.
func (n *Notifier) ItemChanged(ctx context.Context, change items.Change) {
	kind, notable := Classify(change.Before, change.After)
	if !notable {
		return
	}

	after := change.After
	actor := after.UpdatedBy
	if actor == "" {
		actor = after.CreatedBy
	}

	audience, err := n.audience(ctx, change.ListID, actor)
	if err != nil {
		n.logger.Warn("notification audience lookup failed",
			zap.String("list_id", change.ListID), zap.Error(err))
		return
	}
	if len(audience) == 0 {
		return
	}

	msg := n.compose(ctx, kind, change.ListID, actor, *after)

	tokens, err := n.tokens.TokensForUsers(ctx, audience)
	if err != nil {
		n.logger.Warn("device token lookup failed",
			zap.String("list_id", change.ListID), zap.Error(err))
		return
	}
	n.multicast(ctx, tokens, msg)
}

// audience is every current member of the list except the actor.
func (n *Notifier) audience(ctx context.Context, listID, actorUID string) ([]string, error) {
	var uids []string
	err := n.db.WithContext(ctx).
		Table("list_members").
		Where("list_id = ? AND uid <> ?", listID, actorUID).
		Pluck("uid", &uids).Error
	return uids, err
}

func (n *Notifier) compose(ctx context.Context, kind Kind, listID, actorUID string, after items.Item) Message {
	listName := n.listName(ctx, listID)
	actorName := "Unknown User"
	if n.names != nil {
		actorName = n.names.DisplayName(ctx, actorUID)
	}

	var body string
	switch kind {
	case KindAdded:
		body = fmt.Sprintf("%s added %q", actorName, after.Title)
	case KindChecked:
		body = fmt.Sprintf("%s checked off %q", actorName, after.Title)
	case KindUnchecked:
		body = fmt.Sprintf("%s unchecked %q", actorName, after.Title)
	default:
		body = fmt.Sprintf("%s updated %q", actorName, after.Title)
	}

	return Message{
		Title: listName,
		Body:  body,
		Data: Data{
			ListID:     listID,
			ItemID:     after.ID,
			ChangeType: string(kind),
			URL:        fmt.Sprintf("%s/lists/%s", n.appBaseURL, listID),
		},
	}
}

func (n *Notifier) listName(ctx context.Context, listID string) string {
	var name string
	err := n.db.WithContext(ctx).
		Table("lists").
		Where("list_id = ?", listID).
		Pluck("name", &name).Error
	if err != nil || name == "" {
		return "Shared list"
	}
	return name
}

// multicast fans the message out with bounded concurrency, aggregates
// invalid-token outcomes, and prunes them in a single batched write.
func (n *Notifier) multicast(ctx context.Context, tokens []devices.DeviceToken, msg Message) {
	if len(tokens) == 0 {
		return
	}

	var mu sync.Mutex
	var invalid []string
	delivered := 0

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(n.concurrency)
	for _, token := range tokens {
		if !supportedPlatform(token.Platform) {
			continue
		}
		group.Go(func() error {
			err := n.pusher.Push(groupCtx, token, msg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				delivered++
			case errors.Is(err, ErrTokenInvalid):
				invalid = append(invalid, token.Token)
			default:
				n.logger.Warn("push delivery failed",
					zap.String("uid", token.UID),
					zap.String("platform", token.Platform),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(invalid) > 0 {
		pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := n.tokens.Prune(pruneCtx, invalid); err != nil {
			n.logger.Warn("token prune failed", zap.Error(err))
		}
	}

	n.logger.Debug("notification fan-out complete",
		zap.String("change_type", msg.Data.ChangeType),
		zap.String("list_id", msg.Data.ListID),
		zap.Int("delivered", delivered),
		zap.Int("pruned", len(invalid)))
}

func supportedPlatform(platform string) bool {
	switch platform {
	case devices.PlatformFCM, devices.PlatformWebPush:
		return true
	default:
		return false
	}
}
