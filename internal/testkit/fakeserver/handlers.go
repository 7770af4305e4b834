package fakeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/protocol/envelope"
	"e2ee_messenger/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("fakeserver encode failed", zap.Error(err))
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
			return
		}
		userID, err := s.userFromToken(raw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

// route counts calls and applies FailNext before handing over to h.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[name]++
		code, failing := s.fail[name]
		delete(s.fail, name)
		s.mu.Unlock()
		if failing {
			writeJSON(w, code, map[string]string{"error": "injected failure"})
			return
		}
		h(w, r)
	}
}

func (s *Server) HandleChatWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.userFromToken(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		c := &wsConn{conn: conn}
		s.mu.Lock()
		if s.conns[userID] == nil {
			s.conns[userID] = make(map[*wsConn]struct{})
		}
		s.conns[userID][c] = struct{}{}
		s.mu.Unlock()

		go s.processWSMessage(userID, c)
	}
}

func (s *Server) processWSMessage(userID string, c *wsConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns[userID], c)
		s.mu.Unlock()
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug("fakeserver socket closed", zap.String("user", userID), zap.Error(err))
			return
		}

		var frame model.OutboundFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Ciphertext == "" {
			c.writeJSON(map[string]string{"type": "error", "code": "bad_frame", "message": "invalid message frame"})
			continue
		}

		s.mu.Lock()
		if _, ok := s.users[frame.ReceiverID]; !ok {
			s.mu.Unlock()
			c.writeJSON(map[string]string{"type": "error", "code": "unknown_receiver", "message": "receiver does not exist"})
			continue
		}
		m := s.storeLocked(userID, frame.ReceiverID, frame, time.Time{})
		out := s.wire(m, "")
		var targets []*wsConn
		for _, peer := range []string{m.sender, m.receiver} {
			for t := range s.conns[peer] {
				targets = append(targets, t)
			}
			if m.sender == m.receiver {
				break
			}
		}
		s.mu.Unlock()

		c.writeJSON(map[string]any{"type": "ack", "ok": true, "id": m.id, "message_id": m.id, "client_temp_id": m.clientTempID})
		data, err = json.Marshal(out)
		if err != nil {
			continue
		}
		for _, t := range targets {
			t.write(data)
		}
	}
}

func (s *Server) ConversationIndex(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	type agg struct {
		last   *stored
		unread int
	}
	byPeer := make(map[string]*agg)
	for _, m := range s.messages {
		var peer string
		switch me {
		case m.sender:
			peer = m.receiver
		case m.receiver:
			peer = m.sender
		default:
			continue
		}
		a := byPeer[peer]
		if a == nil {
			a = &agg{}
			byPeer[peer] = a
		}
		if a.last == nil || !m.createdAt.Before(a.last.createdAt) {
			a.last = m
		}
		if m.receiver == me && !m.isRead {
			a.unread++
		}
	}

	items := make([]map[string]any, 0, len(byPeer))
	for peer, a := range byPeer {
		u := s.users[peer]
		if u == nil {
			continue
		}
		items = append(items, map[string]any{
			"id":             u.ID,
			"first_name":     u.FirstName,
			"last_name":      u.LastName,
			"email":          u.Email,
			"avatar_url":     u.AvatarURL,
			"updatedAt":      a.last.createdAt.Format(time.RFC3339Nano),
			"unread":         a.unread,
			"lastText":       "",
			"has_public_key": u.PublicKey != "",
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i]["updatedAt"].(string) > items[j]["updatedAt"].(string)
	})
	writeJSON(w, http.StatusOK, items)
}

// History pages newest first. since filters to strictly newer rows.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	peer := mux.Vars(r)["peer"]
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = 50
	}
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := envelope.ParseTime(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		since = t
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*stored
	for _, m := range s.messages {
		between := (m.sender == me && m.receiver == peer) || (m.sender == peer && m.receiver == me)
		if between && m.createdAt.After(since) {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].createdAt.After(rows[j].createdAt) })

	start := (page - 1) * limit
	end := min(start+limit, len(rows))
	results := make([]map[string]any, 0, limit)
	if start < len(rows) {
		for _, m := range rows[start:end] {
			results = append(results, s.wire(m, me))
		}
	}

	resp := map[string]any{"results": results, "count": len(rows), "next_page": nil, "prev_page": nil}
	if end < len(rows) {
		resp["next_page"] = page + 1
	}
	if page > 1 {
		resp["prev_page"] = page - 1
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	peer := mux.Vars(r)["peer"]

	s.mu.Lock()
	n := 0
	for _, m := range s.messages {
		if m.sender == peer && m.receiver == me && !m.isRead {
			m.isRead = true
			n++
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (s *Server) PublicKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	s.keyFetch[id]++
	u := s.users[id]
	s.mu.Unlock()

	if u == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user does not exist"})
		return
	}
	var key any
	if u.PublicKey != "" {
		key = u.PublicKey
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "public_key": key})
}

func (s *Server) GenerateKeys(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)

	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if !strings.Contains(body.PublicKey, publicKeyHeader) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid public key format"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[me]
	if u.PublicKey != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Keys already generated"})
		return
	}
	u.PublicKey = body.PublicKey
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Public key stored"})
}

func (s *Server) SearchUsers(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0)
	if q != "" {
		for _, u := range s.users {
			if u.ID == me {
				continue
			}
			hay := strings.ToLower(u.FirstName + " " + u.LastName + " " + u.Email)
			if strings.Contains(hay, q) {
				out = append(out, map[string]any{
					"id": u.ID, "first_name": u.FirstName, "last_name": u.LastName,
					"email": u.Email, "avatar_url": u.AvatarURL,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["id"].(string) < out[j]["id"].(string) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) BootStatus(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)

	s.mu.Lock()
	u := s.users[me]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "email": u.Email, "has_public_key": u.PublicKey != ""})
}
