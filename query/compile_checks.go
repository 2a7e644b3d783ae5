package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-dispatch/core"
)

var (
	_ gocmd.Querier[ListEventsMessage, []core.WebhookEvent]    = (*ListEventsQuery)(nil)
	_ gocmd.Querier[GetOrderSnapshotMessage, OrderSnapshot]    = (*GetOrderSnapshotQuery)(nil)
	_ gocmd.Querier[ListDispatchAlertsMessage, DispatchAlerts] = (*ListDispatchAlertsQuery)(nil)
)
