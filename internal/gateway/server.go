package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wakesafe/internal/model"
	"wakesafe/internal/token"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	// maxInbound caps client frames; device messages are small JSON.
	maxInbound = 4 << 10
)

// SessionControl is what the gateway needs from the session manager.
// Declared here so the session package can depend on the Broadcaster
// without a cycle.
type SessionControl interface {
	Start(ctx context.Context, userID string) (*model.DriverSession, error)
	End(ctx context.Context, sessionID, userID string) (*model.DriverSession, error)
	RecordLocation(ctx context.Context, userID string, lat, lng float64) error
}

// UploadControl is what the gateway needs from the upload service, declared
// here for the same cycle reason as SessionControl.
type UploadControl interface {
	MarkUploading(ctx context.Context, photoID, userID string) error
}

// Server upgrades authenticated requests to websocket connections and runs
// the per-connection pumps.
type Server struct {
	Tokens      *token.Service
	Sessions    SessionControl
	Uploads     UploadControl
	Events      *Broadcaster
	ReplayLimit int

	upgrader websocket.Upgrader
}

func NewServer(tokens *token.Service, sessions SessionControl, uploads UploadControl, events *Broadcaster, replayLimit int) *Server {
	return &Server{
		Tokens:      tokens,
		Sessions:    sessions,
		Uploads:     uploads,
		Events:      events,
		ReplayLimit: replayLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Device clients connect from app webviews with no stable origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS authenticates, upgrades, replays missed events when the client
// sent ?since, and then pumps frames until either side closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.Tokens.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade", "error", err)
		return
	}

	// Subscribe before loading the replay so nothing published in between
	// is lost; the write pump drops live frames the replay already covers.
	events, unsub := s.Events.Hub.Subscribe(ident.UserID)

	var replay []Frame
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			since = 0
		}
		replay, err = s.Events.Replay(ident.UserID, since, s.ReplayLimit)
		if err != nil {
			slog.Error("event replay", "user", ident.UserID, "error", err)
		}
	}

	c := &client{
		srv:    s,
		conn:   conn,
		userID: ident.UserID,
		events: events,
		direct: make(chan Frame, 8),
		replay: replay,
	}
	for _, f := range replay {
		if f.ID > c.replayMax {
			c.replayMax = f.ID
		}
	}

	slog.Info("websocket connected", "user", ident.UserID, "replayed", len(replay))

	go c.writePump()
	c.readPump(r.Context())
	unsub()
	conn.Close()
	slog.Info("websocket disconnected", "user", ident.UserID)
}

// bearerToken pulls the token from the Authorization header, falling back
// to the token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type client struct {
	srv    *Server
	conn   *websocket.Conn
	userID string

	events    <-chan Frame
	direct    chan Frame
	replay    []Frame
	replayMax int64
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read", "user", c.userID, "error", err)
			}
			return
		}
		c.dispatch(ctx, in)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for _, f := range c.replay {
		if !c.write(f) {
			return
		}
	}

	for {
		select {
		case f, ok := <-c.events:
			if !ok {
				// Dropped by the hub for lagging; tell the client to
				// reconnect and replay.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "behind"))
				return
			}
			if f.ID != 0 && f.ID <= c.replayMax {
				continue
			}
			if !c.write(f) {
				return
			}
		case f := <-c.direct:
			if !c.write(f) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(f Frame) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(f); err != nil {
		slog.Debug("websocket write", "user", c.userID, "error", err)
		return false
	}
	return true
}

// send queues a connection-private frame, dropping it if the client is not
// keeping up. Pongs and error notices are best-effort.
func (c *client) send(f Frame) {
	select {
	case c.direct <- f:
	default:
	}
}

func (c *client) dispatch(ctx context.Context, in inbound) {
	switch in.Type {
	case "ping":
		c.send(Frame{Type: EventPong, Timestamp: time.Now().Unix()})

	case "session_start":
		if _, err := c.srv.Sessions.Start(ctx, c.userID); err != nil {
			c.notifyError("session_start", err)
		}

	case "session_end":
		var p struct {
			SessionID string `json:"session_id"`
		}
		json.Unmarshal(in.Payload, &p)
		if _, err := c.srv.Sessions.End(ctx, p.SessionID, c.userID); err != nil {
			c.notifyError("session_end", err)
		}

	case "continuous_capture_start", "continuous_capture_stop":
		c.srv.Events.Publish(c.userID, EventSessionUpdate, mergePayload(in.Payload, map[string]any{
			"capturing": in.Type == "continuous_capture_start",
		}))

	case "photo_captured":
		c.srv.Events.Publish(c.userID, EventPhotoCaptureConfirmed, mergePayload(in.Payload, nil))

	case "upload_started", "upload_progress", "upload_completed", "upload_failed":
		if in.Type == "upload_started" {
			var p struct {
				PhotoID string `json:"photo_id"`
			}
			json.Unmarshal(in.Payload, &p)
			if p.PhotoID != "" {
				if err := c.srv.Uploads.MarkUploading(ctx, p.PhotoID, c.userID); err != nil {
					slog.Debug("mark uploading", "user", c.userID, "photo", p.PhotoID, "error", err)
				}
			}
		}
		c.srv.Events.Publish(c.userID, EventUploadProgress, mergePayload(in.Payload, map[string]any{
			"stage": strings.TrimPrefix(in.Type, "upload_"),
		}))

	case "location_update":
		var p struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		}
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			return
		}
		if err := c.srv.Sessions.RecordLocation(ctx, c.userID, p.Lat, p.Lng); err != nil {
			slog.Debug("location update", "user", c.userID, "error", err)
		}

	default:
		slog.Debug("unknown inbound event", "type", in.Type, "user", c.userID)
	}
}

func (c *client) notifyError(op string, err error) {
	payload, _ := json.Marshal(map[string]string{"op": op, "message": err.Error()})
	c.send(Frame{Type: EventNotification, Payload: payload, Timestamp: time.Now().Unix()})
}

// mergePayload echoes the client payload with extra server fields layered
// on top. A malformed payload becomes just the extras.
func mergePayload(raw json.RawMessage, extra map[string]any) map[string]any {
	out := make(map[string]any)
	if len(raw) > 0 {
		json.Unmarshal(raw, &out)
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
