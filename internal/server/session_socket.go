package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/collab"
	"github.com/franciszver/lexforge-sub002/internal/cursors"
	"github.com/franciszver/lexforge-sub002/internal/docsync"
	"github.com/franciszver/lexforge-sub002/internal/editsession"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client frame types.
const (
	frameContent   = "content"
	frameSelection = "selection"
	frameFocus     = "focus"
	frameBlur      = "blur"
	frameSave      = "save"
	frameResolve   = "resolve"
	frameRefresh   = "refresh"
)

// Server frame types.
const (
	frameJoined      = "joined"
	framePresence    = "presence"
	frameDecorations = "decorations"
	frameSynced      = "synced"
	frameConflict    = "conflict"
	frameServerState = "server_state"
	frameSetContent  = "set_content"
	frameError       = "error"
)

const (
	socketBufferSize = 1024
	outboundBuffer   = 64
	maxFrameBytes    = 1 << 20
	writeWait        = 10 * time.Second
	leaveTimeout     = 5 * time.Second
)

type socketUpgrader = *websocket.Upgrader

func newUpgrader(allowedOrigins []string) socketUpgrader {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  socketBufferSize,
		WriteBufferSize: socketBufferSize,
	}
	if len(allowedOrigins) == 0 {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return upgrader
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return upgrader
}

type clientFrame struct {
	Type       string            `json:"type"`
	Content    *string           `json:"content,omitempty"`
	Selection  *collab.Selection `json:"selection,omitempty"`
	Resolution string            `json:"resolution,omitempty"`
}

type syncStatePayload struct {
	DocumentID    collab.DocumentID `json:"documentId"`
	LocalVersion  int64             `json:"localVersion"`
	ServerVersion int64             `json:"serverVersion"`
	HasConflict   bool              `json:"hasConflict"`
	Server        collab.SyncState  `json:"server"`
}

type serverFrame struct {
	Type        string                 `json:"type"`
	SessionID   collab.SessionID       `json:"sessionId,omitempty"`
	Record      *collab.SessionRecord  `json:"record,omitempty"`
	Sessions    []collab.SessionRecord `json:"sessions,omitempty"`
	Cursors     []collab.CursorDatum   `json:"cursors,omitempty"`
	Decorations []cursors.Decoration   `json:"decorations,omitempty"`
	Sync        *syncStatePayload      `json:"sync,omitempty"`
	Server      *collab.SyncState      `json:"server,omitempty"`
	Content     *string                `json:"content,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func newSyncStatePayload(state docsync.State) *syncStatePayload {
	return &syncStatePayload{
		DocumentID:    state.DocumentID,
		LocalVersion:  state.LocalVersion,
		ServerVersion: state.ServerVersion,
		HasConflict:   state.HasConflict,
		Server:        state.Server,
	}
}

// activeSockets tracks upgraded editor session connections until their sessions have closed.
type activeSockets struct {
	mu      sync.Mutex
	closing bool
	sockets map[*websocket.Conn]context.CancelFunc
	wg      sync.WaitGroup
}

func newActiveSockets() *activeSockets {
	return &activeSockets{sockets: make(map[*websocket.Conn]context.CancelFunc)}
}

func (a *activeSockets) add(conn *websocket.Conn, cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.sockets[conn] = cancel
	a.wg.Add(1)
	return true
}

func (a *activeSockets) remove(conn *websocket.Conn) {
	a.mu.Lock()
	_, ok := a.sockets[conn]
	delete(a.sockets, conn)
	a.mu.Unlock()
	if ok {
		a.wg.Done()
	}
}

// closeAll unblocks every session's read loop; each session then leaves through its own
// deferred Close before remove runs.
func (a *activeSockets) closeAll(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	open := make(map[*websocket.Conn]context.CancelFunc, len(a.sockets))
	for conn, cancel := range a.sockets {
		open[conn] = cancel
	}
	a.mu.Unlock()

	for conn, cancel := range open {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// socketClient serializes outbound frames onto one websocket connection.
type socketClient struct {
	conn       *websocket.Conn
	logger     *zap.Logger
	outbound   chan serverFrame
	done       chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

func newSocketClient(conn *websocket.Conn, logger *zap.Logger) *socketClient {
	return &socketClient{
		conn:       conn,
		logger:     logger,
		outbound:   make(chan serverFrame, outboundBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *socketClient) send(frame serverFrame) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	}
}

func (c *socketClient) sendError(code string) {
	c.send(serverFrame{Type: frameError, Error: code})
}

func (c *socketClient) writeLoop() {
	defer close(c.writerDone)
	failed := false
	write := func(frame serverFrame) {
		if failed {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(frame); err != nil {
			c.logger.Debug("websocket write failed", zap.String("frame", frame.Type), zap.Error(err))
			failed = true
			_ = c.conn.Close()
		}
	}
	for {
		select {
		case frame := <-c.outbound:
			write(frame)
		case <-c.done:
			for {
				select {
				case frame := <-c.outbound:
					write(frame)
				default:
					return
				}
			}
		}
	}
}

// shutdown stops accepting frames, flushes the queued ones and waits for the writer.
func (c *socketClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
	<-c.writerDone
}

// remoteSurface is the editor surface of a browser tab, mirrored over the socket.
type remoteSurface struct {
	client *socketClient

	mu          sync.Mutex
	content     string
	selection   collab.Selection
	onSelection func(collab.Selection)
}

func (s *remoteSurface) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

func (s *remoteSurface) Selection() collab.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

func (s *remoteSurface) SetContent(html string) {
	s.mu.Lock()
	s.content = html
	s.mu.Unlock()
	content := html
	s.client.send(serverFrame{Type: frameSetContent, Content: &content})
}

func (s *remoteSurface) OnSelectionChange(callback func(collab.Selection)) func() {
	s.mu.Lock()
	s.onSelection = callback
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.onSelection = nil
		s.mu.Unlock()
	}
}

func (s *remoteSurface) ApplyDecorations(decorations []cursors.Decoration) {
	s.client.send(serverFrame{Type: frameDecorations, Decorations: decorations})
}

func (s *remoteSurface) replaceContent(content string) {
	s.mu.Lock()
	s.content = content
	s.mu.Unlock()
}

func (s *remoteSurface) moveSelection(selection collab.Selection) {
	s.mu.Lock()
	s.selection = selection
	callback := s.onSelection
	s.mu.Unlock()
	if callback != nil {
		callback(selection)
	}
}

func (h *httpHandler) handleEditorSession(c *gin.Context) {
	documentID, ok := documentIDParam(c)
	if !ok {
		return
	}
	profile, ok := profileFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ownerID := collab.UserID(profile.UserID)
	if raw := c.Query("owner_id"); raw != "" {
		parsed, err := collab.NewUserID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_owner_id"})
			return
		}
		ownerID = parsed
	}
	var sessionID collab.SessionID
	if raw := c.Query("session_id"); raw != "" {
		parsed, err := collab.NewSessionID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
			return
		}
		sessionID = parsed
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	if !h.sockets.add(conn, cancel) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer h.sockets.remove(conn)
	h.serveEditorSession(ctx, conn, editsession.Identity{
		DocumentID:      documentID,
		DocumentOwnerID: ownerID,
		UserID:          collab.UserID(profile.UserID),
		UserEmail:       profile.Email,
		UserName:        profile.DisplayName,
	}, sessionID)
}

func (h *httpHandler) serveEditorSession(requestCtx context.Context, conn *websocket.Conn, identity editsession.Identity, sessionID collab.SessionID) {
	ctx, cancel := context.WithCancel(requestCtx)
	defer cancel()

	client := newSocketClient(conn, h.logger)
	go client.writeLoop()
	defer func() {
		client.shutdown()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}()

	surface := &remoteSurface{client: client}
	session, err := editsession.Open(ctx, editsession.Config{
		PresenceStore:     h.presenceStore,
		StateStore:        h.stateStore,
		Surface:           surface,
		Clock:             h.clock,
		Logger:            h.logger,
		SessionID:         sessionID,
		DebounceWindow:    h.sessions.DebounceWindow,
		CursorInterval:    h.sessions.CursorInterval,
		CleanupInterval:   h.sessions.CleanupInterval,
		HeartbeatInterval: h.sessions.HeartbeatInterval,
		Listener: editsession.Listener{
			OnPresence: func(records []collab.SessionRecord, drawn []collab.CursorDatum) {
				client.send(serverFrame{Type: framePresence, Sessions: records, Cursors: drawn})
			},
			OnSynced: func(state docsync.State) {
				client.send(serverFrame{Type: frameSynced, Sync: newSyncStatePayload(state)})
			},
			OnConflict: func(conflict docsync.Conflict) {
				server := conflict.Server
				client.send(serverFrame{Type: frameConflict, Server: &server})
			},
			OnServerState: func(state collab.SyncState) {
				client.send(serverFrame{Type: frameServerState, Server: &state})
			},
		},
	}, identity)
	if err != nil {
		h.logger.Warn("failed to open editor session",
			zap.String("document_id", identity.DocumentID.String()),
			zap.String("user_id", identity.UserID.String()),
			zap.Error(err))
		client.sendError("session_unavailable")
		return
	}
	defer func() {
		leaveCtx, cancelLeave := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancelLeave()
		session.Close(leaveCtx)
	}()

	client.send(serverFrame{
		Type:      frameJoined,
		SessionID: session.SessionID(),
		Record:    session.Record(),
		Sync:      newSyncStatePayload(session.SyncState()),
	})

	conn.SetReadLimit(maxFrameBytes)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			client.sendError("invalid_frame")
			continue
		}
		h.dispatchFrame(ctx, session, surface, client, frame)
	}
}

func (h *httpHandler) dispatchFrame(ctx context.Context, session *editsession.Session, surface *remoteSurface, client *socketClient, frame clientFrame) {
	switch frame.Type {
	case frameContent:
		if frame.Content == nil {
			client.sendError("missing_content")
			return
		}
		surface.replaceContent(*frame.Content)
		session.ContentChanged()
	case frameSelection:
		if frame.Selection == nil {
			client.sendError("missing_selection")
			return
		}
		surface.moveSelection(*frame.Selection)
	case frameFocus:
		session.Focus(ctx)
	case frameBlur:
		session.Blur(ctx)
	case frameSave:
		if frame.Content != nil {
			surface.replaceContent(*frame.Content)
		}
		if !session.ForceSave(ctx) {
			client.sendError("save_failed")
		}
	case frameResolve:
		resolution, err := docsync.ParseResolution(frame.Resolution)
		if err != nil {
			client.sendError("invalid_resolution")
			return
		}
		if !session.ResolveConflict(ctx, resolution, frame.Content) {
			client.sendError("resolve_failed")
		}
	case frameRefresh:
		if _, ok := session.RefreshServerState(ctx); !ok {
			client.sendError("refresh_failed")
		}
	default:
		client.sendError("unknown_frame")
	}
}
