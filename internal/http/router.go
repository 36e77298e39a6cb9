package httpapi

import (
	"net/http"
	"strings"

	"wisefido-chat/internal/service"

	"go.uber.org/zap"
)

// Router plain http.ServeMux; chat paths are few and prefix-dispatched
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterHealth liveness probe
func (r *Router) RegisterHealth() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}

// RegisterChatRoutes all /chat endpoints; every one resolves the session first
func (r *Router) RegisterChatRoutes(h *ChatHandler) {
	r.Handle("/chat/personal", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		switch req.Method {
		case http.MethodPost:
			h.CreatePersonal(w, req, sess)
		case http.MethodGet:
			h.ListRoomsOfKind(w, req, sess, "personal")
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	r.Handle("/chat/groups", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		switch req.Method {
		case http.MethodPost:
			h.CreateGroup(w, req, sess)
		case http.MethodGet:
			h.ListRoomsOfKind(w, req, sess, "group")
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	r.Handle("/chat/support", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		switch req.Method {
		case http.MethodPost:
			h.CreateSupport(w, req, sess)
		case http.MethodGet:
			h.ListRoomsOfKind(w, req, sess, "support")
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	r.Handle("/chat/rooms", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		switch req.Method {
		case http.MethodGet:
			h.ListRooms(w, req, sess)
		case http.MethodDelete:
			h.DeleteRoom(w, req, sess)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	// /chat/rooms/{id}[/read|/status|/participants[/{operatorId}]]
	r.Handle("/chat/rooms/", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/chat/rooms/"), "/")
		parts := strings.Split(rest, "/")
		if rest == "" || len(parts) > 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		roomID := parts[0]
		switch {
		case len(parts) == 1 && req.Method == http.MethodGet:
			h.GetRoom(w, req, sess, roomID)
		case len(parts) == 1 && req.Method == http.MethodDelete:
			h.deleteRoom(w, req, sess, roomID)
		case len(parts) == 2 && parts[1] == "read" && req.Method == http.MethodPost:
			h.MarkRoomRead(w, req, sess, roomID)
		case len(parts) == 2 && parts[1] == "status" && req.Method == http.MethodPut:
			h.UpdateRoomStatus(w, req, sess, roomID)
		case len(parts) == 2 && parts[1] == "participants" && req.Method == http.MethodPost:
			h.AddParticipant(w, req, sess, roomID)
		case len(parts) == 3 && parts[1] == "participants" && req.Method == http.MethodDelete:
			h.RemoveParticipant(w, req, sess, roomID, parts[2])
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	r.Handle("/chat/messages", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.AppendMessage(w, req, sess)
	}))

	r.Handle("/chat/upload", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Upload(w, req, sess)
	}))

	r.Handle("/chat/unread-count", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.UnreadCount(w, req, sess)
	}))

	r.Handle("/chat/notifications", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		switch req.Method {
		case http.MethodGet:
			h.Notifications(w, req, sess)
		case http.MethodPost:
			h.MarkNotificationsRead(w, req, sess)
		case http.MethodDelete:
			h.DismissNotifications(w, req, sess)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))

	r.Handle("/chat/ws", h.withSession(func(w http.ResponseWriter, req *http.Request, sess service.Session) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ServeWS(w, req, sess)
	}))
}
