package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AnTengye/contractreview/middleware"
	"github.com/AnTengye/contractreview/pkg/logger"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = (pongTimeout * 9) / 10
)

// StreamMessage is one frame sent on the job event stream. The first frame
// is a "snapshot" of the tenant's jobs; later frames carry one registry
// change each.
type StreamMessage struct {
	Type string    `json:"type"`
	Job  *JobView  `json:"job,omitempty"`
	Jobs []JobView `json:"jobs,omitempty"`
	At   time.Time `json:"at"`
}

// EventsHandler streams registry changes over a websocket.
type EventsHandler struct {
	jobs     JobService
	upgrader websocket.Upgrader
}

func NewEventsHandler(jobs JobService) *EventsHandler {
	return &EventsHandler{
		jobs: jobs,
		upgrader: websocket.Upgrader{
			// the stream sits behind token auth; browsers on other origins are expected
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// Stream sends the tenant's job snapshot, then every change to its jobs
// until the client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	tenant := middleware.GetTenant(c)

	// subscribe before the snapshot so no change falls between the two
	events, cancel := h.jobs.Subscribe(eventBuffer)
	defer cancel()

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logger.Info(ctx, "event stream opened")

	jobs := h.jobs.ListByTenant(tenant)
	snapshot := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		snapshot = append(snapshot, newJobView(job, h.jobs.Busy(job.ID)))
	}
	if err := writeFrame(ws, StreamMessage{Type: "snapshot", Jobs: snapshot, At: time.Now().UTC()}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn(ctx, "event stream read failed", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Info(ctx, "event stream closed")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Job.Tenant != tenant {
				continue
			}
			view := newJobView(ev.Job, h.jobs.Busy(ev.Job.ID))
			if err := writeFrame(ws, StreamMessage{Type: string(ev.Type), Job: &view, At: ev.At}); err != nil {
				logger.Warn(ctx, "event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func writeFrame(ws *websocket.Conn, msg StreamMessage) error {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(msg)
}
