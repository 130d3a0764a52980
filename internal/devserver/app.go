package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

// Config holds the dev server's listen address and auth settings.
type Config struct {
	Addr           string
	SigningKey     []byte
	AllowedOrigins []string
}

// App is a self-contained stand-in for the production chat backend: the
// token endpoints, the room and message API and the websocket fanout,
// backed by in-memory data. Meant for local development and tests, not
// for deployment.
type App struct {
	log            *log.Logger
	store          *memStore
	hub            *hub
	srv            *http.Server
	handler        http.Handler
	signingKey     []byte
	allowedOrigins []string
}

func NewApp(logger *log.Logger, cfg Config) *App {
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte("baltek-dev-signing-key")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &App{
		log:            logger,
		store:          newMemStore(),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.hub = newHub(logger, s.store)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/token/", s.obtainToken)
	mux.HandleFunc("POST /api/token/refresh/", s.refreshToken)
	mux.Handle("GET /api/rooms/", s.authMiddleware(s.listRooms))
	mux.Handle("GET /api/rooms/{id}/messages/", s.authMiddleware(s.roomMessages))
	mux.Handle("GET /api/organizations/", s.authMiddleware(s.listOrganizations))
	mux.Handle("POST /api/upload/", s.authMiddleware(s.upload))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	s.handler = h

	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}

	return s
}

// Handler exposes the HTTP surface for tests.
func (s *App) Handler() http.Handler {
	return s.handler
}

func (s *App) Start() error {
	go s.hub.run()

	s.log.Printf("starting dev server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down dev server...")
	s.hub.shutdown()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

// SeedDemo loads a small dataset so the client has something to talk to:
// one organization, two users and two rooms with a little history.
func (s *App) SeedDemo() error {
	s.store.addOrganization(types.Organization{
		Id:           1,
		OfficialName: "Baltek LLC",
		DisplayName:  "Baltek",
	})

	alice, err := s.store.addAccount(types.User{
		FirstName: "Alice",
		LastName:  "Yazova",
		Email:     "alice@baltek.dev",
	}, "password")
	if err != nil {
		return fmt.Errorf("seed account: %w", err)
	}
	bob, err := s.store.addAccount(types.User{
		FirstName: "Bohdan",
		LastName:  "Klychko",
		Email:     "bob@baltek.dev",
	}, "password")
	if err != nil {
		return fmt.Errorf("seed account: %w", err)
	}

	s.store.addRoom(types.Room{
		Id:           1,
		Name:         "general",
		Organization: 1,
		Members:      []types.User{alice, bob},
	})
	s.store.addRoom(types.Room{
		Id:           2,
		Name:         "candidates",
		Organization: 1,
		Members:      []types.User{alice, bob},
	})

	if _, err := s.store.appendMessage(1, alice.Id, "welcome to the dev server", nil); err != nil {
		return fmt.Errorf("seed message: %w", err)
	}
	if _, err := s.store.appendMessage(1, bob.Id, "hello!", nil); err != nil {
		return fmt.Errorf("seed message: %w", err)
	}

	s.log.Printf("seeded demo accounts %s and %s (password %q)", alice.Email, bob.Email, "password")
	return nil
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *App) allowOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	if slices.Contains(s.allowedOrigins, "*") {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *App) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var rooms []types.Room
	for _, room := range s.store.listRooms() {
		for _, member := range room.Members {
			if member.Id == userId {
				rooms = append(rooms, room)
				break
			}
		}
	}

	s.writeJson(w, http.StatusOK, types.RoomPage{
		Count:   len(rooms),
		Results: rooms,
	})
}

func (s *App) roomMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		errResp := NewBadRequestError("")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if _, ok := s.store.roomByID(roomID); !ok {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !s.store.isMember(roomID, userId) {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	page := 1
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		page, err = strconv.Atoi(pageStr)
		if err != nil {
			errResp := NewBadRequestError("")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	msgs, total, hasNext, ok := s.store.pageMessages(roomID, page, defaultPageSize)
	if !ok {
		errResp := NewNotFoundError()
		errResp.Detail = "invalid page"
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	resp := types.MessagePage{
		Count:   total,
		Results: msgs,
	}
	if hasNext {
		next := fmt.Sprintf("/api/rooms/%d/messages/?page=%d", roomID, page+1)
		resp.Next = &next
	}
	if page > 1 {
		prev := fmt.Sprintf("/api/rooms/%d/messages/?page=%d", roomID, page-1)
		resp.Previous = &prev
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *App) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs := s.store.listOrganizations()
	s.writeJson(w, http.StatusOK, types.OrganizationPage{
		Count:   len(orgs),
		Results: orgs,
	})
}

func (s *App) upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		errResp := NewBadRequestError("file field is required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil && !errors.Is(err, io.EOF) {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	attachment := s.store.saveUpload(header.Filename, size)
	s.writeJson(w, http.StatusCreated, attachment)
}
