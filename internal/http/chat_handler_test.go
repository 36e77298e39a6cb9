package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wisefido-chat/internal/blob"
	"wisefido-chat/internal/config"
	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/repository"
	"wisefido-chat/internal/service"
	"wisefido-chat/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	opSuper = "op-super"
	opAlice = "op-alice"
	opBob   = "op-bob"
)

type testEnv struct {
	store  *repository.MemoryChatStore
	hub    *realtime.Hub
	router *Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	st := repository.NewMemoryChatStore()
	st.UpsertOperator(domain.Operator{OperatorID: opSuper, Username: "root", Role: domain.RoleSuperAdmin, Active: true})
	st.UpsertOperator(domain.Operator{OperatorID: opAlice, Username: "alice", Role: domain.RoleOperator, Active: true})
	st.UpsertOperator(domain.Operator{OperatorID: opBob, Username: "bob", Role: domain.RoleOperator, Active: true})

	hub := realtime.NewHub()
	locks := service.NewRoomLocks()
	t.Cleanup(func() { _ = hub.Close() })

	// unconfigured storage: uploads report StorageUnavailable
	storage := blob.NewHTTPStorage(config.BlobConfig{}, logger)

	h := NewChatHandler(
		service.NewSessionResolver(st),
		service.NewRoomService(st, st, st, st, service.NewLogAuditSink(logger), logger),
		service.NewMessageService(st, store.NewMemoryKV(), hub, locks, storage, time.Minute, logger),
		service.NewReadStateService(st, st, st, hub, locks, logger),
		service.NewNotificationService(st, st, st, st, hub, locks, 80, 50, logger),
		hub,
		ChatHandlerOptions{MaxBodyBytes: 4096},
		logger,
	)
	router := NewRouter(logger)
	router.RegisterHealth()
	router.RegisterChatRoutes(h)
	return &testEnv{store: st, hub: hub, router: router}
}

// do runs one request as operatorID and decodes the envelope's result into out
func (e *testEnv) do(t *testing.T, method, path, operatorID string, body any, out any) (int, Result[json.RawMessage]) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if operatorID != "" {
		req.Header.Set(HeaderOperatorID, operatorID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return decodeResult(t, rec, out)
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder, out any) (int, Result[json.RawMessage]) {
	t.Helper()
	var res Result[json.RawMessage]
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	}
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(res.Result, out))
	}
	return rec.Code, res
}

func (e *testEnv) personal(t *testing.T, initiator, target string) string {
	t.Helper()
	var resp service.CreatePersonalResponse
	code, _ := e.do(t, http.MethodPost, "/chat/personal", initiator,
		map[string]string{"initiatorId": initiator, "targetId": target}, &resp)
	require.Equal(t, http.StatusOK, code)
	return resp.ID
}

func (e *testEnv) send(t *testing.T, operatorID, roomID, body string) domain.Message {
	t.Helper()
	var msg domain.Message
	code, res := e.do(t, http.MethodPost, "/chat/messages", operatorID,
		map[string]string{"roomId": roomID, "body": body}, &msg)
	require.Equal(t, http.StatusOK, code, res.Message)
	return msg
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	code, res := e.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ResultSuccess, res.Code)
}

func TestSession_Required(t *testing.T) {
	e := newTestEnv(t)

	code, res := e.do(t, http.MethodGet, "/chat/rooms", "", nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, ResultError, res.Code)

	code, _ = e.do(t, http.MethodGet, "/chat/rooms", "op-nobody", nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestPersonal_CreateTwiceReturnsSameRoom(t *testing.T) {
	e := newTestEnv(t)

	var first service.CreatePersonalResponse
	code, _ := e.do(t, http.MethodPost, "/chat/personal", opSuper,
		map[string]string{"initiatorId": opSuper, "targetId": opBob}, &first)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, first.IsNew)

	var detail service.RoomDetail
	code, _ = e.do(t, http.MethodGet, "/chat/rooms/"+first.ID, opBob, nil, &detail)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, detail.Participants, 2)

	var again service.CreatePersonalResponse
	code, _ = e.do(t, http.MethodPost, "/chat/personal", opSuper,
		map[string]string{"initiatorId": opSuper, "targetId": opBob}, &again)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, again.IsNew)
	assert.Equal(t, first.ID, again.ID)

	// neither side elevated
	code, res := e.do(t, http.MethodPost, "/chat/personal", opAlice,
		map[string]string{"targetId": opBob}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.NotEmpty(t, res.Message)

	var list service.ListRoomsResponse
	code, _ = e.do(t, http.MethodGet, "/chat/personal", opBob, nil, &list)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, list.Total)
	require.NotNil(t, list.Items[0].OtherParticipant)
	assert.Equal(t, "root", list.Items[0].OtherParticipant.Username)
}

func TestGroups_CreateAndList(t *testing.T) {
	e := newTestEnv(t)

	code, _ := e.do(t, http.MethodPost, "/chat/groups", opSuper,
		map[string]any{"name": "Night", "participantIds": []string{}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPost, "/chat/groups", opAlice,
		map[string]any{"name": "Night", "participantIds": []string{opBob}}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	var room service.RoomView
	code, _ = e.do(t, http.MethodPost, "/chat/groups", opSuper, map[string]any{
		"name": "Night", "description": "handover", "createdBy": opSuper,
		"participantIds": []string{opAlice, opAlice, opBob},
	}, &room)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Night", room.Name)

	var detail service.RoomDetail
	code, _ = e.do(t, http.MethodGet, "/chat/rooms/"+room.ID, opAlice, nil, &detail)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, detail.Participants, 3)

	var list service.ListRoomsResponse
	code, _ = e.do(t, http.MethodGet, "/chat/groups", opBob, nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, list.Total)
}

func TestMessages_ValidationAndOrder(t *testing.T) {
	e := newTestEnv(t)
	roomID := e.personal(t, opSuper, opAlice)

	code, res := e.do(t, http.MethodPost, "/chat/messages", opAlice,
		map[string]string{"roomId": roomID, "body": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "message body is required", res.Message)

	code, _ = e.do(t, http.MethodPost, "/chat/messages", opBob,
		map[string]string{"roomId": roomID, "body": "hi"}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	req := httptest.NewRequest(http.MethodPost, "/chat/messages", strings.NewReader("{not json"))
	req.Header.Set(HeaderOperatorID, opAlice)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/chat/messages", strings.NewReader(`{"body":"`+strings.Repeat("x", 5000)+`"}`))
	req.Header.Set(HeaderOperatorID, opAlice)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	m1 := e.send(t, opAlice, roomID, "first")
	e.send(t, opSuper, roomID, "second")

	var detail service.RoomDetail
	code, _ = e.do(t, http.MethodGet, "/chat/rooms/"+roomID, opAlice, nil, &detail)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, detail.Messages, 3)
	assert.Equal(t, "first", detail.Messages[1].Body)
	assert.Equal(t, "second", detail.Messages[2].Body)

	since := m1.CreatedAt.Format(time.RFC3339Nano)
	code, _ = e.do(t, http.MethodGet, "/chat/rooms/"+roomID+"?since="+since, opAlice, nil, &detail)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, detail.Messages, 1)

	code, _ = e.do(t, http.MethodGet, "/chat/rooms/"+roomID+"?since=yesterday", opAlice, nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDeleteRoom_HiddenFromListButReadable(t *testing.T) {
	e := newTestEnv(t)
	roomID := e.personal(t, opSuper, opAlice)
	e.send(t, opAlice, roomID, "evidence")

	code, _ := e.do(t, http.MethodDelete, "/chat/rooms?room_id="+roomID+"&operator_id="+opAlice, opAlice, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(t, http.MethodDelete, "/chat/rooms?room_id="+roomID+"&operator_id="+opAlice, opSuper, nil, nil)
	assert.Equal(t, http.StatusForbidden, code, "operator_id must match the session")

	code, _ = e.do(t, http.MethodDelete, "/chat/rooms?room_id="+roomID+"&operator_id="+opSuper, opSuper, nil, nil)
	require.Equal(t, http.StatusOK, code)

	var list service.ListRoomsResponse
	code, _ = e.do(t, http.MethodGet, "/chat/rooms", opSuper, nil, &list)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, list.Total)

	var detail service.RoomDetail
	code, _ = e.do(t, http.MethodGet, "/chat/rooms/"+roomID, opSuper, nil, &detail)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, detail.Room.IsDeleted)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "evidence", detail.Messages[1].Body)

	code, _ = e.do(t, http.MethodDelete, "/chat/rooms?room_id="+roomID, opSuper, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNotifications_DismissKeepsReadState(t *testing.T) {
	e := newTestEnv(t)
	roomID := e.personal(t, opSuper, opAlice)
	m := e.send(t, opSuper, roomID, "please check bed 12")

	var before service.UnreadCountResponse
	code, _ := e.do(t, http.MethodGet, "/chat/unread-count", opAlice, nil, &before)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, before.Total)

	var feed service.FeedResponse
	code, _ = e.do(t, http.MethodGet, "/chat/notifications", opAlice, nil, &feed)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 2, feed.Total)
	assert.Equal(t, m.MessageID, feed.Items[0].MessageID)
	assert.Equal(t, "root", feed.Items[0].SenderName)

	var changed service.NotificationsChangedResponse
	code, _ = e.do(t, http.MethodDelete, "/chat/notifications", opAlice,
		map[string][]string{"ids": {m.MessageID}}, &changed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, changed.Count)

	code, _ = e.do(t, http.MethodGet, "/chat/notifications", opAlice, nil, &feed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, feed.Total)

	row, err := e.store.GetMessage(t.Context(), m.MessageID)
	require.NoError(t, err)
	assert.False(t, row.IsRead)

	var after service.UnreadCountResponse
	code, _ = e.do(t, http.MethodGet, "/chat/unread-count?room_id="+roomID, opAlice, nil, &after)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, before.Total, after.Total)

	// mark-read is the separate operation that flips is_read
	code, _ = e.do(t, http.MethodPost, "/chat/notifications", opAlice,
		map[string][]string{"ids": {m.MessageID}}, &changed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, changed.Count)
	code, _ = e.do(t, http.MethodGet, "/chat/unread-count", opAlice, nil, &after)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, before.Total-1, after.Total)
}

func TestRoomRead_ClearsUnread(t *testing.T) {
	e := newTestEnv(t)
	roomID := e.personal(t, opSuper, opAlice)
	e.send(t, opSuper, roomID, "one")

	var res service.MarkReadResponse
	code, _ := e.do(t, http.MethodPost, "/chat/rooms/"+roomID+"/read", opAlice, nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, res.Marked)

	var count service.UnreadCountResponse
	code, _ = e.do(t, http.MethodGet, "/chat/unread-count", opAlice, nil, &count)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, count.Total)

	code, _ = e.do(t, http.MethodPost, "/chat/rooms/"+roomID+"/read", opBob, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRoomAdmin_StatusAndMembers(t *testing.T) {
	e := newTestEnv(t)
	var room service.RoomView
	code, _ := e.do(t, http.MethodPost, "/chat/support", opAlice,
		map[string]string{"subject": "Sensor offline", "priority": "high"}, &room)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPut, "/chat/rooms/"+room.ID+"/status", opAlice,
		map[string]string{"status": "closed"}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(t, http.MethodPut, "/chat/rooms/"+room.ID+"/status", opSuper,
		map[string]string{"status": "closed"}, &room)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "closed", room.Status)

	var group service.RoomView
	code, _ = e.do(t, http.MethodPost, "/chat/groups", opSuper,
		map[string]any{"name": "Ops", "participantIds": []string{opAlice}}, &group)
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPost, "/chat/rooms/"+group.ID+"/participants", opSuper,
		map[string]string{"operatorId": opBob}, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodDelete, "/chat/rooms/"+group.ID+"/participants/"+opBob, opBob, nil, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodDelete, "/chat/rooms/"+group.ID+"/participants/"+opBob, opBob, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPatch, "/chat/rooms/"+group.ID, opSuper, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestUpload_StorageUnavailable(t *testing.T) {
	e := newTestEnv(t)
	roomID := e.personal(t, opSuper, opAlice)
	var msg domain.Message
	code, _ := e.do(t, http.MethodPost, "/chat/messages", opAlice,
		map[string]any{"roomId": roomID, "hasAttachment": true}, &msg)
	require.Equal(t, http.StatusOK, code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("message_id", msg.MessageID))
	require.NoError(t, mw.WriteField("uploaded_by", opAlice))
	fw, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF-1.4"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/chat/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderOperatorID, opAlice)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	code, res := decodeResult(t, rec, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "attachment storage is not available", res.Message)

	// the message itself is kept
	_, err = e.store.GetMessage(t.Context(), msg.MessageID)
	assert.NoError(t, err)

	req = httptest.NewRequest(http.MethodPost, "/chat/upload", strings.NewReader("plain"))
	req.Header.Set(HeaderOperatorID, opAlice)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebsocket_PushesInsertEvents(t *testing.T) {
	e := newTestEnv(t)
	roomID := e.personal(t, opSuper, opAlice)

	srv := httptest.NewServer(e.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws?room_id=" + roomID

	// not a participant: refused before the upgrade
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{HeaderOperatorID: {opBob}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	client, _, err := websocket.DefaultDialer.Dial(wsURL+"&operator_id="+opAlice, nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return e.hub.Subscribers(roomID) == 1 }, 2*time.Second, 10*time.Millisecond)

	sent := e.send(t, opSuper, roomID, "are you there?")

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	evt, err := realtime.DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, realtime.EventInsert, evt.Type)
	assert.Equal(t, sent.MessageID, evt.Message.MessageID)
}

func TestStatusFor(t *testing.T) {
	cases := map[service.ErrorKind]int{
		service.KindValidation:         http.StatusBadRequest,
		service.KindPermissionDenied:   http.StatusForbidden,
		service.KindNotFound:           http.StatusNotFound,
		service.KindConflict:           http.StatusConflict,
		service.KindStorageUnavailable: http.StatusServiceUnavailable,
		service.KindUploadFailed:       http.StatusBadGateway,
		service.KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), string(kind))
	}
}
