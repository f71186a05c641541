package handlers

import (
	"net/http"
	"net/url"
	"time"

	"github.com/agentstation/utc"

	"github.com/agentstation/sensorbridge/internal/server/response"
	"github.com/agentstation/sensorbridge/internal/telemetry"
)

// UpstreamStatus describes the broker link.
type UpstreamStatus struct {
	State         string            `json:"state"`
	Broker        string            `json:"broker"`
	Topics        []telemetry.Topic `json:"topics"`
	LastMessageAt *utc.Time         `json:"last_message_at,omitempty"`
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Version     string         `json:"version"`
	StartedAt   utc.Time       `json:"started_at"`
	Uptime      string         `json:"uptime"`
	Upstream    UpstreamStatus `json:"upstream"`
	Subscribers int            `json:"subscribers"`
	Counters    Counters       `json:"counters"`
}

// HandleStatus handles GET /api/v1/status.
// @Summary Bridge status
// @Description Upstream link state, subscribed topics, subscriber count and counters
// @Tags status
// @Produce json
// @Success 200 {object} response.Response{data=Status}
// @Router /api/v1/status [get].
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	up := UpstreamStatus{
		State:  h.upstream.State().String(),
		Broker: redactBroker(h.upstream.Broker()),
		Topics: h.upstream.Topics(),
	}
	if at, ok := h.upstream.LastMessageAt(); ok {
		up.LastMessageAt = &at
	}

	response.OK(w, Status{
		Version:     h.version,
		StartedAt:   h.startTime,
		Uptime:      time.Since(h.startTime.Time).Round(time.Second).String(),
		Upstream:    up,
		Subscribers: h.subscribers.Count(),
		Counters:    h.counters(),
	})
}

// redactBroker drops userinfo from the broker URL before it is reported.
func redactBroker(broker string) string {
	u, err := url.Parse(broker)
	if err != nil {
		return "<invalid broker url>"
	}
	if u.User == nil {
		return broker
	}
	u.User = nil
	return u.String()
}
