package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
)

const (
	frameOpen     = "open"
	framePrompt   = "prompt"
	frameResponse = "response"
	frameError    = "error"
)

type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// handleWS holds one conversation per connection. The session lives as
// long as the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidUserID})
			return
		}
		userID = id
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept error")
		return
	}
	conn.SetReadLimit(s.opts.MaxBodyBytes)

	key := s.clientKey(r)
	sess := s.sessions.Create()
	log := s.log.With().Str("session_id", sess.ID).Str("client", key).Logger()
	log.Debug().Msg("websocket connected")
	defer func() {
		s.sessions.Delete(sess.ID)
		conn.CloseNow()
		log.Debug().Msg("websocket disconnected")
	}()

	ctx := r.Context()
	if err := writeFrame(ctx, conn, wsFrame{Type: frameOpen, Content: sess.ID}); err != nil {
		return
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		// Limited before validation, like the HTTP route.
		if err := s.limiter.Check(key); err != nil {
			_, msg := errorResponse(err)
			if writeFrame(ctx, conn, wsFrame{Type: frameError, Content: msg}) != nil {
				return
			}
			continue
		}

		var in wsFrame
		if err := json.Unmarshal(data, &in); err != nil || in.Type != framePrompt || in.Content == "" {
			if writeFrame(ctx, conn, wsFrame{Type: frameError, Content: msgInvalidRequest}) != nil {
				return
			}
			continue
		}

		out := wsFrame{Type: frameResponse}
		if res, err := s.relay.Complete(ctx, sess, userID, in.Content); err != nil {
			status, msg := errorResponse(err)
			if status >= http.StatusInternalServerError {
				log.Error().Err(err).Msg("websocket completion failed")
			}
			out = wsFrame{Type: frameError, Content: msg}
		} else {
			out.Content = res.Content
		}
		if err := writeFrame(ctx, conn, out); err != nil {
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
