package sqlstore

import (
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/ratelimit"
)

var (
	_ core.EventStore      = (*EventStore)(nil)
	_ core.OrderStore      = (*OrderStore)(nil)
	_ core.DeliveryStore   = (*DeliveryStore)(nil)
	_ core.MerchantStore   = (*MerchantStore)(nil)
	_ core.MerchantStore   = (*CachedMerchantStore)(nil)
	_ ratelimit.StateStore = (*RateLimitStateStore)(nil)
)
