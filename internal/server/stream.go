package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hupe1980/vectra/internal/bus"
	"github.com/hupe1980/vectra/internal/errs"
)

const (
	heartbeatInterval = 15 * time.Second
	writeWait         = 10 * time.Second
)

// SubscribeRequest is the body of POST /stream/subscribe. Table is a
// shorthand for the change topic of that table.
type SubscribeRequest struct {
	Topic string `json:"topic,omitempty"`
	Table string `json:"table,omitempty"`
}

// SubscribeResponse identifies a new subscription.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Topic          string `json:"topic"`
	Events         string `json:"events"`
}

func (r SubscribeRequest) topic() (string, error) {
	switch {
	case r.Topic != "":
		return r.Topic, nil
	case r.Table != "":
		return bus.TableTopic(r.Table), nil
	}
	return "", errs.New(errs.KindParse, "topic or table is required")
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	topic, err := req.topic()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.engine.Subscribe(topic)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscribeResponse{
		SubscriptionID: sub.ID(),
		Topic:          sub.Topic(),
		Events:         "/stream/events/" + sub.ID(),
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unsubscribe(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.engine.Bus().Subscriptions()
	if subs == nil {
		subs = []bus.SubscriptionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	topics := s.engine.Bus().Stats()
	if topics == nil {
		topics = []bus.TopicStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

// handleEvents streams the messages of an existing subscription as
// server-sent events until the client leaves or the subscription closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, ok := s.engine.Bus().Lookup(id)
	if !ok {
		s.writeError(w, r, errs.New(errs.KindNotFound, "subscription %q not found", id))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errs.New(errs.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", sub.Topic())
	flusher.Flush()

	ctx := r.Context()
	for {
		msg, err := nextOrHeartbeat(ctx, sub)
		switch {
		case errors.Is(err, errHeartbeat):
			fmt.Fprint(w, ": ping\n\n")
		case err != nil:
			return
		default:
			fmt.Fprintf(w, "id: %d\nevent: change\ndata: %s\n\n", msg.Seq, msg.Payload)
		}
		flusher.Flush()
	}
}

var errHeartbeat = errors.New("heartbeat")

// nextOrHeartbeat waits for the next message, returning errHeartbeat when
// none arrives within the heartbeat interval.
func nextOrHeartbeat(ctx context.Context, sub *bus.Subscription) (bus.Message, error) {
	waitCtx, cancel := context.WithTimeout(ctx, heartbeatInterval)
	defer cancel()
	msg, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return bus.Message{}, errHeartbeat
	}
	return msg, err
}

// handleWebSocket subscribes to the topic (or table) query parameter and
// pushes each message as a text frame. The subscription ends with the
// connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	req := SubscribeRequest{Topic: r.URL.Query().Get("topic"), Table: r.URL.Query().Get("table")}
	topic, err := req.topic()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.engine.Subscribe(topic)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = s.engine.Unsubscribe(sub.ID()) }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only detects the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read error", "subscription_id", sub.ID(), "error", err)
				}
				return
			}
		}
	}()

	for {
		msg, err := nextOrHeartbeat(ctx, sub)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		switch {
		case errors.Is(err, errHeartbeat):
			err = conn.WriteMessage(websocket.PingMessage, nil)
		case err != nil:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		default:
			err = conn.WriteMessage(websocket.TextMessage, msg.Payload)
		}
		if err != nil {
			s.logger.Debug("websocket write error", "subscription_id", sub.ID(), "error", err)
			return
		}
	}
}
