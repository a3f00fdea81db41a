package cache

import (
	"context"
	"time"

	"mirapay/internal/events"

	"github.com/sirupsen/logrus"
)

// Invalidator drops an account's cached reads when its balance changes
type Invalidator struct {
	cache   *Cache
	timeout time.Duration
}

// NewInvalidator builds an Invalidator
func NewInvalidator(c *Cache, timeout time.Duration) *Invalidator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Invalidator{cache: c, timeout: timeout}
}

// Handle is an events.Handler
func (i *Invalidator) Handle(e events.Event) {
	if i.cache == nil || e.AccountID == 0 {
		return
	}
	switch e.Kind {
	case events.BalanceChanged, events.AccountCreated:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	log := i.cache.log.WithFields(logrus.Fields{"account_id": e.AccountID, "event_id": e.ID})
	n, err := i.cache.InvalidateAccount(ctx, e.AccountID)
	if err != nil {
		log.WithError(err).Warn("Cache invalidation failed")
		return
	}
	log.WithField("history_pages", n).Debug("Cache invalidated")
}
