package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetward/control-plane/internal/apierr"
	"github.com/fleetward/control-plane/internal/consolehub"
	"github.com/fleetward/control-plane/internal/tenant"
)

// pongWait bounds how long the write pump waits for a client pong before
// declaring the connection dead.
const pongWait = 60 * time.Second

// pingInterval is how often the write pump sends its own websocket-level
// ping, kept comfortably under pongWait.
const pingInterval = (pongWait * 9) / 10

var consoleUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// consoleInboundVerb is one of the verbs a console client may send.
type consoleInboundVerb string

const (
	verbJoinServer  consoleInboundVerb = "JoinServer"
	verbLeaveServer consoleInboundVerb = "LeaveServer"
	verbSendCommand consoleInboundVerb = "SendCommand"
	verbPing        consoleInboundVerb = "Ping"
)

// consoleInbound is the wire shape of a single client-to-server frame.
type consoleInbound struct {
	Verb     consoleInboundVerb `json:"verb"`
	ServerID string             `json:"serverId"`
	Command  string             `json:"command,omitempty"`
}

// handleConsoleWebsocket upgrades the connection and runs its read and write
// pumps until either side closes. The connection's identity (connID) is a
// fresh UUID, not the authenticated operator's ID, since one operator may
// hold several simultaneous console connections.
func (s *Server) handleConsoleWebsocket(w http.ResponseWriter, r *http.Request) {
	if _, err := pathTenantID(r); err != nil {
		respondError(w, r, s.deps.Log, err)
		return
	}

	conn, err := consoleUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("console websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	outbound := s.deps.Console.Register(connID)
	defer func() {
		if err := s.deps.Console.Unregister(r.Context(), connID); err != nil {
			s.deps.Log.Warn("console unregister failed", "connId", connID, "error", err)
		}
	}()

	done := make(chan struct{})
	go s.consoleWritePump(conn, outbound, done)
	s.consoleReadPump(r, conn, connID, chi.URLParam(r, "serverId"))
	close(done)
}

// consoleReadPump processes inbound verbs until the connection closes.
func (s *Server) consoleReadPump(r *http.Request, conn *websocket.Conn, connID, defaultServerID string) {
	ctx := r.Context()
	correlationID, _ := tenant.Correlation(ctx)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if defaultServerID != "" {
		if err := s.deps.Console.JoinServer(ctx, connID, defaultServerID); err != nil {
			s.deps.Log.Warn("console auto-join failed", "serverId", defaultServerID, "error", err)
		}
	}

	for {
		var msg consoleInbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		serverID := msg.ServerID
		if serverID == "" {
			serverID = defaultServerID
		}

		switch msg.Verb {
		case verbJoinServer:
			if err := s.deps.Console.JoinServer(ctx, connID, serverID); err != nil {
				s.deps.Log.Warn("console join failed", "serverId", serverID, "error", err)
			}
		case verbLeaveServer:
			if err := s.deps.Console.LeaveServer(ctx, connID, serverID); err != nil {
				s.deps.Log.Warn("console leave failed", "serverId", serverID, "error", err)
			}
		case verbSendCommand:
			if err := s.deps.Console.SendCommand(ctx, connID, serverID, []byte(msg.Command)); err != nil {
				s.deps.Log.Warn("console command failed", "serverId", serverID, "error", err)
			}
		case verbPing:
			_ = conn.WriteJSON(consolehub.OutboundMessage{Type: consolehub.EventPong})
		default:
			_ = conn.WriteJSON(consolehub.OutboundMessage{
				Type: consolehub.EventError,
				Error: func() *apierr.ProblemDocument {
					p := apierr.New(apierr.InvalidPayload, "unrecognized console verb", correlationID).Problem("")
					return &p
				}(),
			})
		}
	}
}

// consoleWritePump relays the hub's outbound queue to the socket and keeps
// the connection alive with periodic pings until done fires or the queue
// closes.
func (s *Server) consoleWritePump(conn *websocket.Conn, outbound <-chan consolehub.OutboundMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-outbound:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
