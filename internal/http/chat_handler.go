package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HeaderOperatorID identity assertion set by the console gateway
const HeaderOperatorID = "X-Operator-Id"

// ChatHandlerOptions request limits and websocket origin policy
type ChatHandlerOptions struct {
	MaxBodyBytes     int64
	MaxUploadBytes   int64
	WebsocketOrigins []string // empty = same-origin only
}

// ChatHandler REST + websocket surface of the chat core
type ChatHandler struct {
	sessions      *service.SessionResolver
	rooms         *service.RoomService
	messages      *service.MessageService
	reads         *service.ReadStateService
	notifications *service.NotificationService
	bus           realtime.Bus
	opts          ChatHandlerOptions
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func NewChatHandler(
	sessions *service.SessionResolver,
	rooms *service.RoomService,
	messages *service.MessageService,
	reads *service.ReadStateService,
	notifications *service.NotificationService,
	bus realtime.Bus,
	opts ChatHandlerOptions,
	logger *zap.Logger,
) *ChatHandler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 20 << 20
	}
	h := &ChatHandler{
		sessions:      sessions,
		rooms:         rooms,
		messages:      messages,
		reads:         reads,
		notifications: notifications,
		bus:           bus,
		opts:          opts,
		logger:        logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess service.Session)

// withSession resolves X-Operator-Id (or operator_id on websocket upgrades,
// which browsers cannot send headers with) into a Session.
func (h *ChatHandler) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		operatorID := r.Header.Get(HeaderOperatorID)
		if operatorID == "" && websocket.IsWebSocketUpgrade(r) {
			operatorID = r.URL.Query().Get("operator_id")
		}
		sess, err := h.sessions.Resolve(r.Context(), operatorID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next(w, r, sess)
	}
}

// fail maps the error kind to a status; internals are logged, never returned
func (h *ChatHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(service.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error("Chat request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeJSON(w, status, Fail(service.PublicMessage(err)))
}

func (h *ChatHandler) badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, Fail(message))
}

func (h *ChatHandler) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := readBodyJSON(r, h.opts.MaxBodyBytes, out); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Fail("request body too large"))
			return false
		}
		h.badRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// ---- rooms ----

func (h *ChatHandler) CreatePersonal(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.CreatePersonalRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.rooms.CreatePersonal(r.Context(), sess, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

func (h *ChatHandler) CreateGroup(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.CreateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	room, err := h.rooms.CreateGroup(r.Context(), sess, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(room))
}

func (h *ChatHandler) CreateSupport(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.CreateSupportRequest
	if !h.decode(w, r, &req) {
		return
	}
	room, err := h.rooms.CreateSupport(r.Context(), sess, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(room))
}

func (h *ChatHandler) ListRooms(w http.ResponseWriter, r *http.Request, sess service.Session) {
	h.ListRoomsOfKind(w, r, sess, r.URL.Query().Get("kind"))
}

func (h *ChatHandler) ListRoomsOfKind(w http.ResponseWriter, r *http.Request, sess service.Session, kind string) {
	q := r.URL.Query()
	resp, err := h.rooms.ListRooms(r.Context(), sess, service.ListRoomsRequest{
		Kind:   kind,
		Status: q.Get("status"),
		Search: q.Get("search"),
		Page:   parseInt(q.Get("page"), 1),
		Size:   parseInt(q.Get("size"), 100),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

func (h *ChatHandler) GetRoom(w http.ResponseWriter, r *http.Request, sess service.Session, roomID string) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		h.badRequest(w, "since must be an RFC3339 timestamp")
		return
	}
	detail, err := h.rooms.GetRoom(r.Context(), sess, roomID, since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(detail))
}

// DeleteRoom DELETE /chat/rooms?room_id=&operator_id=
// operator_id, when sent, must be the session operator.
func (h *ChatHandler) DeleteRoom(w http.ResponseWriter, r *http.Request, sess service.Session) {
	q := r.URL.Query()
	if op := strings.TrimSpace(q.Get("operator_id")); op != "" && op != sess.OperatorID {
		writeJSON(w, http.StatusForbidden, Fail("operator_id must be the acting operator"))
		return
	}
	h.deleteRoom(w, r, sess, q.Get("room_id"))
}

func (h *ChatHandler) deleteRoom(w http.ResponseWriter, r *http.Request, sess service.Session, roomID string) {
	if err := h.rooms.DeleteRoom(r.Context(), sess, roomID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"id": roomID, "isDeleted": true}))
}

func (h *ChatHandler) UpdateRoomStatus(w http.ResponseWriter, r *http.Request, sess service.Session, roomID string) {
	var req service.UpdateRoomStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	room, err := h.rooms.UpdateRoomStatus(r.Context(), sess, roomID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(room))
}

func (h *ChatHandler) AddParticipant(w http.ResponseWriter, r *http.Request, sess service.Session, roomID string) {
	var req struct {
		OperatorID string `json:"operatorId"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.rooms.AddMember(r.Context(), sess, roomID, req.OperatorID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"roomId": roomID, "operatorId": req.OperatorID}))
}

func (h *ChatHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request, sess service.Session, roomID, operatorID string) {
	if err := h.rooms.Leave(r.Context(), sess, roomID, operatorID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]string{"roomId": roomID, "operatorId": operatorID}))
}

// ---- messages ----

func (h *ChatHandler) AppendMessage(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.AppendRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.messages.Append(r.Context(), sess, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(msg))
}

// Upload multipart: file, message_id, uploaded_by
func (h *ChatHandler) Upload(w http.ResponseWriter, r *http.Request, sess service.Session) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Fail("file too large"))
			return
		}
		h.badRequest(w, "invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.badRequest(w, "file is required")
		return
	}
	defer file.Close()

	att, err := h.messages.UploadAttachment(r.Context(), sess, service.UploadRequest{
		MessageID:   r.FormValue("message_id"),
		UploadedBy:  r.FormValue("uploaded_by"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(att))
}

// ---- read state ----

func (h *ChatHandler) MarkRoomRead(w http.ResponseWriter, r *http.Request, sess service.Session, roomID string) {
	resp, err := h.reads.MarkRead(r.Context(), sess, roomID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

func (h *ChatHandler) UnreadCount(w http.ResponseWriter, r *http.Request, sess service.Session) {
	resp, err := h.reads.UnreadCount(r.Context(), sess, r.URL.Query().Get("room_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// ---- notifications ----

func (h *ChatHandler) Notifications(w http.ResponseWriter, r *http.Request, sess service.Session) {
	resp, err := h.notifications.Feed(r.Context(), sess, parseInt(r.URL.Query().Get("limit"), 0))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

func (h *ChatHandler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.NotificationIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.notifications.MarkRead(r.Context(), sess, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}

// DismissNotifications ids from the JSON body, or repeated ?id= params
func (h *ChatHandler) DismissNotifications(w http.ResponseWriter, r *http.Request, sess service.Session) {
	var req service.NotificationIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.IDs = append(req.IDs, r.URL.Query()["id"]...)
	resp, err := h.notifications.Dismiss(r.Context(), sess, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(resp))
}
