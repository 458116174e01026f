package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/star/orrery/internal/metrics"
)

const (
	pongWait       = 60 * time.Second
	maxCommandSize = 1024
)

// command is a control message sent by a websocket client.
type command struct {
	Op    string  `json:"op"`
	Value float64 `json:"value,omitempty"`
}

// reply answers one command.
type reply struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	Running *bool  `json:"running,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header, same-host
// origins, and the configured allow list ("*" allows any).
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.config.AllowedOrigins, "*") || slices.Contains(h.config.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// HandleWebsocket streams frames over a websocket and accepts control
// commands: {"op":"rate","value":2}, {"op":"toggle"}, {"op":"play"},
// {"op":"pause"}.
// GET /api/v1/ws?interval=100&trail=0
func (h *Handler) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	params, err := h.parseParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip, release, ok := h.admit(w, r, "websocket")
	if !ok {
		return
	}
	defer release()

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		metrics.IncStreamErrors("upgrade_error")
		h.logger.Warn("websocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}
	defer conn.Close()

	// The reader goroutine owns reads; this goroutine owns writes.
	replies := make(chan reply, 8)
	readDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go h.readCommands(conn, ip, replies, readDone, stop)

	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		metrics.IncStreamMessages("websocket")
		metrics.AddStreamBytes("websocket", int64(len(data)))
		return nil
	}

	if err := send(h.metadata()); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("websocket send error (metadata)", "remote_ip", ip, "error", err)
		return
	}

	ticker := time.NewTicker(params.interval)
	defer ticker.Stop()
	ping := time.NewTicker(h.config.KeepaliveInterval)
	defer ping.Stop()

	var lastSeq uint64
	var lastRun string
	for {
		select {
		case <-r.Context().Done():
			return

		case <-readDone:
			return

		case rep := <-replies:
			if err := send(rep); err != nil {
				metrics.IncStreamErrors("send_error")
				return
			}

		case <-ticker.C:
			f := h.source.Latest()
			if f == nil || (f.Seq == lastSeq && f.RunID == lastRun) {
				continue
			}
			lastSeq, lastRun = f.Seq, f.RunID
			if err := send(h.buildFrameMessage(f, params.trail)); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("websocket send error", "remote_ip", ip, "error", err)
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				metrics.IncStreamErrors("send_error")
				return
			}
		}
	}
}

// readCommands applies client commands until the connection fails and
// queues a reply for each.
func (h *Handler) readCommands(conn *websocket.Conn, ip string, replies chan<- reply, done chan<- struct{}, stop <-chan struct{}) {
	defer close(done)

	queue := func(rep reply) bool {
		select {
		case replies <- rep:
			return true
		case <-stop:
			return false
		}
	}

	conn.SetReadLimit(maxCommandSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read error", "remote_ip", ip, "error", err)
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			if !queue(reply{Type: "error", Error: "malformed command"}) {
				return
			}
			continue
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		rep := h.apply(cmd)
		if rep.Error != "" {
			h.logger.Info("websocket command rejected", "remote_ip", ip, "op", cmd.Op, "error", rep.Error)
		}
		if !queue(rep) {
			return
		}
	}
}

func (h *Handler) apply(cmd command) reply {
	rep := reply{Type: "ack", Op: cmd.Op}
	var err error
	switch cmd.Op {
	case "rate":
		err = h.controls.SetRate(cmd.Value)
	case "toggle":
		var running bool
		running, err = h.controls.TogglePause()
		if err == nil {
			rep.Running = &running
		}
	case "play", "pause":
		running := cmd.Op == "play"
		err = h.controls.SetRunning(running)
		if err == nil {
			rep.Running = &running
		}
	default:
		err = errors.New("unknown op")
	}
	if err != nil {
		rep.Type = "error"
		rep.Error = err.Error()
	}
	return rep
}
