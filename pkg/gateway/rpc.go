package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/logger"
	"github.com/tinyland-inc/parley/pkg/tools"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Application codes.
	ErrCodeForbidden = 4030
	ErrCodeModel     = 4000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	// Result is set on client replies to server-initiated requests.
	Result json.RawMessage `json:"result,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) handleFrame(ctx context.Context, c *client, data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = c.write(rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}

	// A frame carrying a result instead of a method is the client's reply
	// to a server-initiated request; route it back to the waiter.
	if req.Method == "" && len(req.Result) > 0 {
		if id, ok := decodeID(req.ID); ok {
			if corrID, ok := id.(string); ok && s.opts.Bus.Respond(corrID, req.Result) {
				return
			}
		}
	}

	resp := s.handleRPC(ctx, c, req)
	if resp == nil {
		return
	}
	if err := c.write(resp); err != nil {
		logger.DebugCF("gateway", "response write failed", map[string]any{
			"conn_id": c.id,
			"method":  req.Method,
			"error":   err.Error(),
		})
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	fail := func(code int, msg string) *rpcResponse {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return fail(ErrCodeInvalidRequest, "invalid JSON-RPC request")
	}

	logger.DebugCF("gateway", "rpc", map[string]any{
		"conn_id": c.id,
		"method":  req.Method,
	})

	var result any

	switch req.Method {
	case "room.join":
		var p struct {
			RoomID string `json:"roomId"`
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RoomID == "" {
			return fail(ErrCodeInvalidParams, "roomId required")
		}
		if err := s.opts.Bus.Join(c.id, p.RoomID); err != nil {
			return fail(ErrCodeInternal, err.Error())
		}
		if p.UserID != "" {
			c.setUser(p.UserID)
			s.opts.Bus.SetUser(c.id, p.UserID)
		}
		s.pushParticipants(p.RoomID)
		result = map[string]any{
			"roomId":       p.RoomID,
			"participants": s.participants(p.RoomID),
		}

	case "room.leave":
		roomID, _ := s.opts.Bus.ActiveRoom(c.id)
		s.opts.Bus.Leave(c.id)
		if roomID != "" {
			s.pushParticipants(roomID)
		}
		result = map[string]any{"left": true}

	case "room.participants":
		roomID, ok := s.roomFor(c, req.Params)
		if !ok {
			return fail(ErrCodeInvalidParams, "roomId required")
		}
		result = map[string]any{
			"roomId":       roomID,
			"participants": s.participants(roomID),
		}

	case "message.create":
		var p struct {
			RoomID  string `json:"roomId"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Message.Content == "" {
			return fail(ErrCodeInvalidParams, "message content required")
		}
		roomID := p.RoomID
		if roomID == "" {
			roomID, _ = s.opts.Bus.ActiveRoom(c.id)
		}
		if roomID == "" {
			return fail(ErrCodeInvalidParams, "no room joined")
		}
		if !s.isMember(c.id, roomID) {
			return fail(ErrCodeForbidden, "not a member of room")
		}
		role := p.Message.Role
		if role == "" {
			role = "user"
		}
		messageID := uuid.NewString()
		_ = s.opts.Bus.Publish(roomID, envelopeFor("message.create", map[string]any{
			"roomId":    roomID,
			"messageId": messageID,
			"message": map[string]any{
				"role":    role,
				"content": p.Message.Content,
			},
			"authorId":   c.user(),
			"authorType": "user",
			"createdAt":  time.Now().UTC().Format(time.RFC3339),
		}))
		routed := s.routeMessage(roomID, c, p.Message.Content)
		result = map[string]any{"messageId": messageID, "routedAgents": routed}

	case "typing.start", "typing.stop":
		roomID, ok := s.roomFor(c, req.Params)
		if !ok {
			return fail(ErrCodeInvalidParams, "roomId required")
		}
		_ = s.opts.Bus.Publish(roomID, envelopeFor("room.typing", map[string]any{
			"roomId":     roomID,
			"authorId":   c.user(),
			"authorType": "user",
			"typing":     req.Method == "typing.start",
		}))
		result = map[string]any{"ok": true}

	case "message.read":
		var p struct {
			RoomID    string `json:"roomId"`
			MessageID string `json:"messageId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.MessageID == "" {
			return fail(ErrCodeInvalidParams, "messageId required")
		}
		roomID := p.RoomID
		if roomID == "" {
			roomID, _ = s.opts.Bus.ActiveRoom(c.id)
		}
		if roomID == "" {
			return fail(ErrCodeInvalidParams, "no room joined")
		}
		_ = s.opts.Bus.Publish(roomID, envelopeFor("message.receipts", map[string]any{
			"roomId":    roomID,
			"messageId": p.MessageID,
			"userId":    c.user(),
			"readAt":    time.Now().UTC().Format(time.RFC3339),
		}))
		result = map[string]any{"ok": true}

	case "scrape.pick":
		var p struct {
			RoomID   string `json:"roomId"`
			ResultID string `json:"resultId"`
			Index    int    `json:"index"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Index < 1 {
			return fail(ErrCodeInvalidParams, "index must be >= 1")
		}
		roomID := p.RoomID
		if roomID == "" {
			roomID, _ = s.opts.Bus.ActiveRoom(c.id)
		}
		item, err := s.opts.Results.Resolve(roomID, p.ResultID, p.Index)
		if err != nil {
			return fail(ErrCodeInvalidParams, err.Error())
		}
		tc := tools.ToolContext{RoomID: roomID, ConnID: c.id}
		res, pending := s.opts.Runner.Gate(ctx, "scraper", "fetch", map[string]any{"url": item.URL}, tc)
		if pending != nil {
			result = map[string]any{
				"approvalRequired": true,
				"question":         pending.Hint,
				"url":              item.URL,
			}
			break
		}
		if res.IsError() {
			return fail(ErrCodeInternal, res.Error)
		}
		result = map[string]any{
			"index":    item.Index,
			"url":      item.URL,
			"title":    item.Title,
			"markdown": res.Markdown,
		}

	case "cron.add":
		if s.opts.Cron == nil {
			return fail(ErrCodeInternal, "scheduler unavailable")
		}
		var p config.CronJobConfig
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(ErrCodeInvalidParams, "invalid params")
		}
		p.Enabled = true
		job, err := s.opts.Cron.Add(p)
		if err != nil {
			return fail(ErrCodeInvalidParams, err.Error())
		}
		result = map[string]any{"id": job.ID}

	case "cron.list":
		if s.opts.Cron == nil {
			return fail(ErrCodeInternal, "scheduler unavailable")
		}
		result = map[string]any{"jobs": s.opts.Cron.List()}

	case "cron.remove":
		if s.opts.Cron == nil {
			return fail(ErrCodeInternal, "scheduler unavailable")
		}
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			return fail(ErrCodeInvalidParams, "id required")
		}
		if err := s.opts.Cron.Remove(p.ID); err != nil {
			return fail(ErrCodeInvalidParams, err.Error())
		}
		result = map[string]any{"removed": true}

	case "system.status":
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		result = map[string]any{
			"healthy":        true,
			"connections":    s.opts.Bus.ConnCount(),
			"rooms":          s.opts.Bus.RoomCount(),
			"agents":         len(s.opts.Agents.List()),
			"uptime_seconds": int(time.Since(s.started).Seconds()),
			"alloc_bytes":    mem.Alloc,
			"time_unix":      time.Now().Unix(),
		}

	default:
		return fail(ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}

	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// roomFor reads an optional roomId param, falling back to the connection's
// active room.
func (s *Server) roomFor(c *client, params json.RawMessage) (string, bool) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.RoomID != "" {
		return p.RoomID, true
	}
	roomID, ok := s.opts.Bus.ActiveRoom(c.id)
	return roomID, ok
}

func (s *Server) isMember(connID, roomID string) bool {
	for _, id := range s.opts.Bus.RoomConns(roomID) {
		if id == connID {
			return true
		}
	}
	return false
}
