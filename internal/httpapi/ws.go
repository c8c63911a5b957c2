package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/trafficlaw/internal/protocol"
	"github.com/ent0n29/trafficlaw/internal/rag"
)

const (
	wsReadLimit    = 64 << 10
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleChatWS serves chat over a websocket. Client frames are handled one at
// a time per connection; replies echo the client's request_id.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.sessionEvent("ws_connected")
	client := clientKey(r)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 32)
	outbound := make(chan any, 32)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runChatConnection(ctx, client, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					if s.metrics != nil {
						s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					}
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.wsMessage("outbound", t)
				}
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			detail := "malformed message"
			if errors.Is(err, protocol.ErrUnsupportedType) {
				detail = err.Error()
			}
			select {
			case outbound <- protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: detail,
			}:
			default:
				// Keep websocket writes single-threaded; drop if the queue is saturated.
				if s.metrics != nil {
					s.metrics.WSWriteErrors.WithLabelValues("drop_full").Inc()
				}
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.wsMessage("inbound", t)
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

func (s *Server) runChatConnection(ctx context.Context, client string, inbound <-chan any, outbound chan<- any) {
	for msg := range inbound {
		var reply any
		switch m := msg.(type) {
		case protocol.ChatRequest:
			reply = s.wsChat(ctx, client, m)
		case protocol.ClearSession:
			reply = s.wsClear(m)
		default:
			continue
		}
		select {
		case <-ctx.Done():
			return
		case outbound <- reply:
		}
	}
}

func (s *Server) wsChat(ctx context.Context, client string, m protocol.ChatRequest) any {
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(client); !ok {
			return protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				RequestID: m.RequestID,
				SessionID: m.SessionID,
				Code:      "rate_limited",
				Retryable: true,
				Detail:    "too many requests",
			}
		}
	}

	resp, err := s.chat.Respond(ctx, rag.ChatRequest{SessionID: m.SessionID, Query: m.Query})
	if err != nil {
		_, code, detail := classifyChatError(err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: m.RequestID,
			SessionID: m.SessionID,
			Code:      code,
			Retryable: rag.Retryable(err),
			Detail:    detail,
		}
	}
	docs := resp.RetrievedDocs
	if docs == nil {
		docs = []string{}
	}
	return protocol.ChatResponse{
		Type:          protocol.TypeChatResponse,
		RequestID:     m.RequestID,
		SessionID:     m.SessionID,
		TurnID:        resp.TurnID,
		Answer:        resp.Answer,
		RetrievedDocs: docs,
	}
}

func (s *Server) wsClear(m protocol.ClearSession) any {
	res, err := s.chat.ClearSession(m.SessionID)
	if err != nil {
		_, code, detail := classifyChatError(err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: m.RequestID,
			SessionID: m.SessionID,
			Code:      code,
			Detail:    detail,
		}
	}
	return protocol.SessionCleared{
		Type:      protocol.TypeSessionCleared,
		RequestID: m.RequestID,
		SessionID: m.SessionID,
		Cleared:   res.Cleared,
		Message:   res.Message,
	}
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Server) wsMessage(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ChatRequest:
		return m.Type, true
	case protocol.ClearSession:
		return m.Type, true
	case protocol.ChatResponse:
		return m.Type, true
	case protocol.SessionCleared:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
