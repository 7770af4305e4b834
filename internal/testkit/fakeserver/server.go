// Package fakeserver is an in-process stand-in for the messaging backend:
// the REST endpoints the client calls plus a websocket relay that fans every
// message out to both the sender and the receiver.
package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/utils/log"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const publicKeyHeader = "-----BEGIN PUBLIC KEY-----"

type (
	User struct {
		ID        string
		FirstName string
		LastName  string
		Email     string
		AvatarURL string
		PublicKey string
	}

	stored struct {
		id           int
		sender       string
		receiver     string
		ciphertext   string
		iv           string
		mac          string
		wrapReceiver string
		wrapSender   string
		createdAt    time.Time
		clientTempID string
		isRead       bool
	}

	wsConn struct {
		conn *websocket.Conn
		mu   sync.Mutex
	}

	Server struct {
		secret []byte
		http   *httptest.Server

		mu        sync.Mutex
		users     map[string]*User
		conns     map[string]map[*wsConn]struct{}
		messages  []*stored
		nextID    int
		last      time.Time
		fail      map[string]int
		calls     map[string]int
		keyFetch  map[string]int
		legacy    bool
	}
)

func New(secret string) *Server {
	return &Server{
		secret:   []byte(secret),
		users:    make(map[string]*User),
		conns:    make(map[string]map[*wsConn]struct{}),
		fail:     make(map[string]int),
		calls:    make(map[string]int),
		keyFetch: make(map[string]int),
	}
}

// Start serves the router on a loopback listener.
func (s *Server) Start() {
	s.http = httptest.NewServer(s.Router())
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, set := range s.conns {
		for c := range set {
			c.conn.Close()
		}
	}
	s.mu.Unlock()
	if s.http != nil {
		s.http.Close()
	}
}

func (s *Server) URL() string { return s.http.URL }

func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws/chat/"
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/chat/", s.HandleChatWS()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/conversations/index/", s.route("index", s.ConversationIndex)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/mark_read/{peer}/", s.route("mark_read", s.MarkRead)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{peer}/", s.route("history", s.History)).Methods(http.MethodGet)
	api.HandleFunc("/users/search/", s.route("search", s.SearchUsers)).Methods(http.MethodGet)
	api.HandleFunc("/users/me/boot_status/", s.route("boot_status", s.BootStatus)).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/public_key/", s.route("public_key", s.PublicKey)).Methods(http.MethodGet)
	api.HandleFunc("/generate_keys/", s.route("generate_keys", s.GenerateKeys)).Methods(http.MethodPost)
	return r
}

// AddUser registers or replaces a user.
func (s *Server) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

func (s *Server) SetPublicKey(userID, pem string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.PublicKey = pem
	}
}

func (s *Server) RegisteredKey(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u.PublicKey
	}
	return ""
}

// Token mints a bearer token for userID.
func (s *Server) Token(userID string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return signed
}

// UseLegacyNames makes every envelope the server emits use older aliased
// field names.
func (s *Server) UseLegacyNames(on bool) {
	s.mu.Lock()
	s.legacy = on
	s.mu.Unlock()
}

// FailNext makes the next call to the named route answer with code.
func (s *Server) FailNext(route string, code int) {
	s.mu.Lock()
	s.fail[route] = code
	s.mu.Unlock()
}

// Calls reports how many times the named route has been hit.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// KeyFetches reports how many times userID's public key was requested.
func (s *Server) KeyFetches(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyFetch[userID]
}

// Connected reports the number of live sockets for userID.
func (s *Server) Connected(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// DropConnections closes every socket of userID from the server side.
func (s *Server) DropConnections(userID string) {
	s.mu.Lock()
	set := s.conns[userID]
	s.mu.Unlock()
	for c := range set {
		c.conn.Close()
	}
}

// Push writes a raw frame to every socket of userID.
func (s *Server) Push(userID string, frame []byte) {
	s.mu.Lock()
	targets := make([]*wsConn, 0, len(s.conns[userID]))
	for c := range s.conns[userID] {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.write(frame)
	}
}

// Store persists env as if it had been relayed and returns its server id.
// Nothing is pushed to sockets.
func (s *Server) Store(env model.Envelope) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.storeLocked(env.SenderID, env.ReceiverID, env.Frame(), env.CreatedAt)
	m.isRead = env.IsRead
	return strconv.Itoa(m.id)
}

func (s *Server) storeLocked(sender, receiver string, f model.OutboundFrame, at time.Time) *stored {
	if at.IsZero() {
		at = time.Now().UTC()
		if !at.After(s.last) {
			at = s.last.Add(time.Microsecond)
		}
	}
	if at.After(s.last) {
		s.last = at
	}
	s.nextID++
	m := &stored{
		id:           s.nextID,
		sender:       sender,
		receiver:     receiver,
		ciphertext:   f.Ciphertext,
		iv:           f.IV,
		mac:          f.MAC,
		wrapReceiver: f.WrapReceiver,
		wrapSender:   f.WrapSender,
		createdAt:    at.UTC(),
		clientTempID: f.ClientTempID,
	}
	s.messages = append(s.messages, m)
	return m
}

func (c *wsConn) write(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug("fakeserver write failed", zap.Error(err))
	}
}

func (c *wsConn) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("fakeserver marshal failed", zap.Error(err))
		return
	}
	c.write(data)
}

// wire renders m the way the server emits envelopes. reader, when set, gets
// an encrypted_key_for_me field holding the wrap it can open.
func (s *Server) wire(m *stored, reader string) map[string]any {
	names := map[string]string{
		"id": "id", "sender": "sender", "receiver": "receiver",
		"encrypted_message": "encrypted_message", "iv": "iv", "mac": "mac",
		"encrypted_key": "encrypted_key", "encrypted_key_sender": "encrypted_key_sender",
		"encrypted_key_for_me": "encrypted_key_for_me", "timestamp": "timestamp",
		"client_temp_id": "client_temp_id", "is_read": "is_read",
	}
	if s.legacy {
		names = map[string]string{
			"id": "message_id", "sender": "sender_id", "receiver": "receiver_id",
			"encrypted_message": "ciphertext", "iv": "nonce", "mac": "hmac",
			"encrypted_key": "encrypted_key_for_receiver", "encrypted_key_sender": "encrypted_key_for_sender",
			"encrypted_key_for_me": "my_encrypted_key", "timestamp": "created_at",
			"client_temp_id": "clientTempId", "is_read": "isRead",
		}
	}
	out := map[string]any{
		names["id"]:                   m.id,
		names["sender"]:               m.sender,
		names["receiver"]:             m.receiver,
		names["encrypted_message"]:    m.ciphertext,
		names["iv"]:                   m.iv,
		names["mac"]:                  m.mac,
		names["encrypted_key"]:        m.wrapReceiver,
		names["encrypted_key_sender"]: m.wrapSender,
		names["timestamp"]:            m.createdAt.Format(time.RFC3339Nano),
		names["is_read"]:              m.isRead,
	}
	if m.clientTempID != "" {
		out[names["client_temp_id"]] = m.clientTempID
	}
	switch reader {
	case m.receiver:
		out[names["encrypted_key_for_me"]] = m.wrapReceiver
	case m.sender:
		if m.wrapSender != "" {
			out[names["encrypted_key_for_me"]] = m.wrapSender
		}
	}
	return out
}

func (s *Server) userFromToken(raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims")
	}
	id, _ := claims["user_id"].(string)
	if id == "" {
		return "", fmt.Errorf("token without user_id")
	}
	s.mu.Lock()
	_, known := s.users[id]
	s.mu.Unlock()
	if !known {
		return "", fmt.Errorf("unknown user %s", id)
	}
	return id, nil
}

type ctxKey struct{}

func currentUser(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		s.Close()
		srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
