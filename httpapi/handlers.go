package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-dispatch/command"
	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/query"
	"github.com/goliatone/go-dispatch/webhooks"
)

type webhookResponse struct {
	EventID   string `json:"event_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) webhook(source core.EventSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.ingestor == nil {
			writeError(c, core.PersistenceUnavailable(nil))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			writeError(c, core.MalformedPayload("webhook body is unreadable or too large"))
			return
		}
		result, err := s.ingestor.Ingest(c.Request.Context(), webhooks.Request{
			Source:  source,
			Headers: flattenHeaders(c.Request.Header),
			Body:    body,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		status := result.StatusCode
		if status == 0 {
			status = http.StatusAccepted
		}
		c.JSON(status, webhookResponse{
			EventID:   result.EventID,
			Status:    string(result.Status),
			Duplicate: result.Duplicate,
		})
	}
}

func (s *Server) listEvents(c *gin.Context) {
	if s.ops.ListEvents == nil {
		notConfigured(c)
		return
	}
	msg := query.ListEventsMessage{
		Status: core.EventStatus(strings.TrimSpace(c.Query("status"))),
		Filter: core.EventFilter{
			Source:    core.EventSource(strings.TrimSpace(c.Query("source"))),
			StoreID:   strings.TrimSpace(c.Query("store_id")),
			EventType: strings.TrimSpace(c.Query("event_type")),
		},
	}
	var err error
	if msg.Filter.Limit, err = intParam(c, "limit"); err != nil {
		writeError(c, err)
		return
	}
	if msg.Filter.Offset, err = intParam(c, "offset"); err != nil {
		writeError(c, err)
		return
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			writeError(c, core.BadInput("since must be an RFC3339 timestamp"))
			return
		}
		msg.Filter.Since = &since
	}
	events, err := s.ops.ListEvents.Query(c.Request.Context(), msg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toEventViews(events)})
}

func (s *Server) retryEvent(c *gin.Context) {
	if s.ops.RetryEvent == nil {
		notConfigured(c)
		return
	}
	result := gocmd.NewResult[command.RetryEventResult]()
	ctx := gocmd.ContextWithResult(c.Request.Context(), result)
	if err := s.ops.RetryEvent.Execute(ctx, command.RetryEventMessage{EventID: c.Param("id")}); err != nil {
		writeError(c, err)
		return
	}
	retried, _ := result.Load()
	c.JSON(http.StatusAccepted, gin.H{
		"event":    toEventView(retried.Event),
		"enqueued": retried.Enqueued,
	})
}

func (s *Server) orderSnapshot(c *gin.Context) {
	if s.ops.GetOrderSnapshot == nil {
		notConfigured(c)
		return
	}
	snapshot, err := s.ops.GetOrderSnapshot.Query(c.Request.Context(), query.GetOrderSnapshotMessage{
		StoreID:         c.Param("store_id"),
		PlatformOrderID: c.Param("order_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSnapshotView(snapshot))
}

func (s *Server) alerts(c *gin.Context) {
	if s.ops.ListDispatchAlerts == nil {
		notConfigured(c)
		return
	}
	msg := query.ListDispatchAlertsMessage{}
	var err error
	if msg.Limit, err = intParam(c, "limit"); err != nil {
		writeError(c, err)
		return
	}
	if raw := strings.TrimSpace(c.Query("stall_after")); raw != "" {
		stallAfter, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			writeError(c, core.BadInput("stall_after must be a duration such as 5m"))
			return
		}
		msg.StallAfter = stallAfter
	}
	alerts, err := s.ops.ListDispatchAlerts.Query(c.Request.Context(), msg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAlertsView(alerts))
}

func (s *Server) cancelDelivery(c *gin.Context) {
	if s.ops.CancelDispatch == nil {
		notConfigured(c)
		return
	}
	result := gocmd.NewResult[core.Delivery]()
	ctx := gocmd.ContextWithResult(c.Request.Context(), result)
	err := s.ops.CancelDispatch.Execute(ctx, command.CancelDispatchMessage{ExternalDeliveryID: c.Param("external_id")})
	if err != nil {
		writeError(c, err)
		return
	}
	delivery, _ := result.Load()
	c.JSON(http.StatusOK, toDeliveryView(delivery))
}

func (s *Server) redispatchDelivery(c *gin.Context) {
	if s.ops.RedispatchDelivery == nil {
		notConfigured(c)
		return
	}
	result := gocmd.NewResult[core.Delivery]()
	ctx := gocmd.ContextWithResult(c.Request.Context(), result)
	err := s.ops.RedispatchDelivery.Execute(ctx, command.RedispatchDeliveryMessage{ExternalDeliveryID: c.Param("external_id")})
	if err != nil {
		writeError(c, err)
		return
	}
	delivery, _ := result.Load()
	c.JSON(http.StatusOK, toDeliveryView(delivery))
}

func notConfigured(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotImplemented, errorEnvelope{Error: errorBody{
		Code:     http.StatusNotImplemented,
		TextCode: core.ErrorInternal,
		Message:  "operation is not configured",
	}})
}

func intParam(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.BadInput(name + " must be an integer")
	}
	return value, nil
}
