package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RetryEventMessage]         = (*RetryEventCommand)(nil)
	_ gocmd.Commander[PruneEventsMessage]        = (*PruneEventsCommand)(nil)
	_ gocmd.Commander[CancelDispatchMessage]     = (*CancelDispatchCommand)(nil)
	_ gocmd.Commander[RedispatchDeliveryMessage] = (*RedispatchDeliveryCommand)(nil)
)
