package gateway

import (
	"context"
	"time"

	"github.com/tinyland-inc/parley/pkg/agent"
	"github.com/tinyland-inc/parley/pkg/bus"
	"github.com/tinyland-inc/parley/pkg/logger"
	"github.com/tinyland-inc/parley/pkg/routing"
	"github.com/tinyland-inc/parley/pkg/utils"
)

func envelopeFor(method string, params any) bus.Envelope {
	return bus.Envelope{Method: method, Params: params}
}

// participants is the roster payload for a room: live users plus every
// configured agent eligible there.
func (s *Server) participants(roomID string) map[string]any {
	agents := make([]map[string]any, 0)
	for _, p := range s.opts.Agents.List() {
		agents = append(agents, map[string]any{
			"id":     p.ID,
			"name":   p.Name,
			"handle": p.Handle,
			"kind":   "agent",
		})
	}
	return map[string]any{
		"users":  s.opts.Bus.RoomUsers(roomID),
		"agents": agents,
	}
}

func (s *Server) pushParticipants(roomID string) {
	_ = s.opts.Bus.Publish(roomID, envelopeFor("room.participants", map[string]any{
		"roomId":       roomID,
		"participants": s.participants(roomID),
	}))
}

// routeMessage selects the agents that should answer and spawns one Run
// per selected agent. Returns the selected agent ids.
func (s *Server) routeMessage(roomID string, c *client, text string) []string {
	profiles := s.opts.Agents.RoutingProfiles(roomID)
	if len(profiles) == 0 {
		return nil
	}

	limit := s.opts.Cfg.Loop.MaxParticipants
	if limit <= 0 {
		limit = routing.DefaultCap
	}

	// Agents holding an unanswered approval always see the next message;
	// the loop decides whether it resolves or supersedes the gate.
	var selected []string
	seen := make(map[string]bool)
	for _, p := range profiles {
		if s.opts.Loop.HasPending(roomID, p.ID) {
			selected = append(selected, p.ID)
			seen[p.ID] = true
		}
	}

	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			selected = append(selected, id)
		}
	}
	mentions := routing.ParseMentions(text, s.opts.Agents.NameIndex())
	switch {
	case mentions.All:
		for _, p := range profiles {
			add(p.ID)
		}
	case len(mentions.IDs) > 0:
		for _, id := range mentions.IDs {
			add(id)
		}
	default:
		for _, cand := range routing.ScoreAgents(text, profiles, limit) {
			add(cand.ID)
		}
	}
	if len(selected) > limit {
		selected = selected[:limit]
	}

	userID := c.user()
	for _, agentID := range selected {
		profile, ok := s.opts.Agents.Get(agentID)
		if !ok {
			continue
		}
		go s.runAgent(roomID, c.id, userID, text, profile)
	}
	return selected
}

// runAgent drives one decision loop Run and streams its outcome into the
// room. Each trigger gets its own goroutine; ordering is only guaranteed
// within a single Run.
func (s *Server) runAgent(roomID, connID, userID, text string, profile *agent.Profile) {
	typing := func(on bool) {
		_ = s.opts.Bus.Publish(roomID, envelopeFor("room.typing", map[string]any{
			"roomId":     roomID,
			"authorId":   profile.ID,
			"authorType": "agent",
			"typing":     on,
		}))
	}
	typing(true)
	defer typing(false)

	res, err := s.opts.Loop.Run(context.Background(), agent.Trigger{
		RoomID: roomID,
		ConnID: connID,
		UserID: userID,
		Text:   text,
		Agent:  profile,
	})
	if err != nil {
		logger.ErrorCF("gateway", "run failed", map[string]any{
			"room_id":  roomID,
			"agent_id": profile.ID,
			"error":    err.Error(),
		})
		_ = s.opts.Bus.Send(connID, envelopeFor("message.error", map[string]any{
			"roomId": roomID,
			"error": map[string]any{
				"code":    ErrCodeModel,
				"message": "the model could not complete this turn",
			},
		}))
		return
	}

	if res.ResultSet != nil {
		_ = s.opts.Bus.Publish(roomID, envelopeFor("search.results", map[string]any{
			"roomId":   roomID,
			"resultId": res.ResultSet.ID,
			"items":    res.ResultSet.Items,
		}))
	}

	if res.Text == "" {
		return
	}

	messageID := res.RunID
	for _, chunk := range utils.SplitSentences(res.Text) {
		_ = s.opts.Bus.Publish(roomID, envelopeFor("message.delta", map[string]any{
			"roomId":    roomID,
			"messageId": messageID,
			"authorId":  profile.ID,
			"delta":     chunk,
		}))
	}

	complete := map[string]any{
		"roomId":    roomID,
		"messageId": messageID,
		"runId":     res.RunID,
		"message": map[string]any{
			"role":    "assistant",
			"content": res.Text,
		},
		"authorId":   profile.ID,
		"authorType": "agent",
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
	}
	if res.Pending != nil {
		complete["pendingApproval"] = map[string]any{
			"tool": res.Pending.Tool,
			"func": res.Pending.Func,
			"hint": res.Pending.Hint,
		}
	}
	_ = s.opts.Bus.Publish(roomID, envelopeFor("message.complete", complete))
}
