// Package agent runs the bounded plan/act/observe loop that turns one
// trigger message into an agent reply.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/parley/pkg/capability"
	"github.com/tinyland-inc/parley/pkg/config"
	"github.com/tinyland-inc/parley/pkg/logger"
	"github.com/tinyland-inc/parley/pkg/providers/protocoltypes"
	"github.com/tinyland-inc/parley/pkg/results"
	"github.com/tinyland-inc/parley/pkg/session"
	"github.com/tinyland-inc/parley/pkg/tools"
	"github.com/tinyland-inc/parley/pkg/utils"
)

// Completer is the loop's view of the completion service.
type Completer interface {
	Chat(ctx context.Context, messages []protocoltypes.Message, toolDefs []protocoltypes.ToolDefinition, model string, options map[string]any) (*protocoltypes.LLMResponse, error)
}

// Loop executes Runs. It is safe for concurrent use; each Run is
// strictly sequential internally while independent Runs interleave
// freely.
type Loop struct {
	provider Completer
	runner   *tools.Runner
	results  *results.Registry
	sessions *session.Manager
	maxSteps int
	timebox  time.Duration
}

func NewLoop(provider Completer, runner *tools.Runner, reg *results.Registry, sessions *session.Manager, loopCfg config.LoopConfig) *Loop {
	maxSteps := loopCfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 6
	}
	if maxSteps > config.MaxStepsCap {
		maxSteps = config.MaxStepsCap
	}
	timeboxMs := loopCfg.TimeboxMs
	if timeboxMs <= 0 {
		timeboxMs = 45_000
	}
	if timeboxMs > config.TimeboxMsCap {
		timeboxMs = config.TimeboxMsCap
	}
	return &Loop{
		provider: provider,
		runner:   runner,
		results:  reg,
		sessions: sessions,
		maxSteps: maxSteps,
		timebox:  time.Duration(timeboxMs) * time.Millisecond,
	}
}

// Trigger is one message that selected this agent.
type Trigger struct {
	RoomID string
	ConnID string
	UserID string
	Text   string
	Agent  *Profile
}

// Step is one executed loop step: the decision plus what was observed.
type Step struct {
	Decision    Decision
	Observation string
}

// RunResult is what flows back to the bus after a Run ends.
type RunResult struct {
	RunID     string
	Text      string
	Pending   *tools.PendingApproval
	ResultSet *results.Set
	Steps     []Step
}

// Run executes one bounded decision loop for the trigger.
func (l *Loop) Run(ctx context.Context, trig Trigger) (*RunResult, error) {
	if trig.Agent == nil {
		return nil, fmt.Errorf("run: no agent profile")
	}

	res := &RunResult{RunID: uuid.NewString()}
	key := session.Key(trig.RoomID, trig.Agent.ID)
	tc := tools.ToolContext{RoomID: trig.RoomID, ConnID: trig.ConnID, AgentID: trig.Agent.ID}

	state := l.sessions.Get(key)
	coldStart := !hasAssistantTurn(state)
	l.sessions.Append(key, session.Entry{Role: "user", Content: trig.Text, Author: trig.UserID})

	logger.InfoCF("agent", "run started", map[string]any{
		"run_id":   res.RunID,
		"room_id":  trig.RoomID,
		"agent_id": trig.Agent.ID,
	})

	// An outstanding approval is answered by the very next message;
	// anything that is not a clear yes/no supersedes it.
	pending, err := l.sessions.TakePending(key)
	if err != nil {
		logger.WarnCF("agent", "pending approval load failed", map[string]any{"error": err.Error()})
	}
	if pending != nil {
		switch {
		case IsNegative(trig.Text):
			res.Text = "Understood, I won't run that."
			l.finish(key, trig, res)
			return res, nil
		case IsAffirmative(trig.Text):
			l.runApproved(ctx, pending, tc, trig, res)
			l.finish(key, trig, res)
			return res, nil
		default:
			logger.InfoCF("agent", "pending approval superseded by new message", map[string]any{
				"run_id": res.RunID,
				"tool":   pending.Tool,
			})
		}
	}

	deadline := time.Now().Add(l.timebox)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Fast path: an ordinal reference against the room's latest results
	// becomes a scrape of that exact item, no planning involved.
	if done := l.ordinalShortcut(ctx, key, trig, tc, res); done {
		return res, nil
	}

	var output strings.Builder
	var lastObservation string
	newsFetched := false

	for step := 1; step <= l.maxSteps; step++ {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}

		// Within one run, a second fetch for the same "latest news" need
		// is replaced by a clarifying question.
		if newsFetched && WantsNews(trig.Text) && output.Len() == 0 {
			appendText(&output, "I just pulled the latest headlines above — is there a specific story or topic you want me to dig into?")
			break
		}

		decision, err := l.plan(ctx, trig, state, res.Steps)
		if err != nil {
			if output.Len() == 0 && lastObservation == "" {
				l.finish(key, trig, res)
				return res, fmt.Errorf("completion service: %w", err)
			}
			break
		}

		switch decision.Type {
		case DecideStop:
			res.Steps = append(res.Steps, Step{Decision: decision})
			goto done

		case DecideThink:
			res.Steps = append(res.Steps, Step{Decision: decision, Observation: ""})

		case DecideWrite:
			sanitized := Sanitize(decision.Content, output.String(), coldStart && output.Len() == 0)
			if sanitized != "" {
				appendText(&output, sanitized)
			}
			res.Steps = append(res.Steps, Step{Decision: decision})

		case DecideTool:
			toolName, fn, ok := l.resolveTool(decision, trig.Agent)
			if !ok {
				res.Steps = append(res.Steps, Step{Decision: decision, Observation: "{error: no matching capability}"})
				continue
			}
			result, gated := l.runner.Gate(ctx, toolName, fn, decision.Args, tc)
			if gated != nil {
				if err := l.sessions.SetPending(key, gated); err != nil {
					logger.WarnCF("agent", "pending approval save failed", map[string]any{"error": err.Error()})
				}
				res.Pending = gated
				question := gated.Hint
				if output.Len() > 0 {
					question = output.String() + "\n\n" + question
				}
				res.Text = question
				res.Steps = append(res.Steps, Step{Decision: decision, Observation: "{awaiting approval}"})
				l.finish(key, trig, res)
				return res, nil
			}

			if toolName == "serpapi" && fn == "google_news" {
				newsFetched = true
			}
			obs := l.observe(trig.RoomID, result, res)
			res.Steps = append(res.Steps, Step{Decision: decision, Observation: obs})
			if result.IsError() {
				continue
			}
			if result.Markdown != "" {
				// ready-to-display output ends the run verbatim
				res.Text = result.Markdown
				l.finish(key, trig, res)
				return res, nil
			}
			lastObservation = result.ForLLM
		}
	}

done:
	res.Text = strings.TrimSpace(output.String())
	if res.Text == "" {
		res.Text = lastObservation
	}
	if res.Text == "" {
		res.Text = "I wasn't able to put together an answer this time — could you rephrase?"
	}
	l.finish(key, trig, res)
	return res, nil
}

// HasPending reports whether the agent holds an unanswered approval in
// the room. The router uses this so the next message reaches the agent
// even when it would not otherwise be selected.
func (l *Loop) HasPending(roomID, agentID string) bool {
	state := l.sessions.Get(session.Key(roomID, agentID))
	return state.Pending != nil
}

// runApproved executes a previously gated call exactly as suspended,
// never re-planning first.
func (l *Loop) runApproved(ctx context.Context, pending *tools.PendingApproval, tc tools.ToolContext, trig Trigger, res *RunResult) {
	ctx, cancel := context.WithTimeout(ctx, l.timebox)
	defer cancel()

	result := l.runner.Run(ctx, pending.Tool, pending.Func, pending.Args, tc)
	obs := l.observe(trig.RoomID, result, res)
	res.Steps = append(res.Steps, Step{
		Decision:    Decision{Type: DecideTool, Tool: pending.Tool, Func: pending.Func, Args: pending.Args},
		Observation: obs,
	})

	switch {
	case result.IsError():
		res.Text = fmt.Sprintf("I tried, but it didn't work: %s", result.Error)
	case result.Markdown != "":
		res.Text = result.Markdown
	case result.ForLLM != "":
		res.Text = result.ForLLM
	default:
		res.Text = "Done."
	}
}

// ordinalShortcut handles "read #2" style follow-ups. Returns true when
// the run is finished (including the gated case).
func (l *Loop) ordinalShortcut(ctx context.Context, key string, trig Trigger, tc tools.ToolContext, res *RunResult) bool {
	n, ok := MatchOrdinal(trig.Text)
	if !ok {
		return false
	}
	item, err := l.results.Resolve(trig.RoomID, "", n)
	if err != nil {
		// no live result set; fall through to planning
		return false
	}

	args := map[string]any{"url": item.URL}
	decision := Decision{Type: DecideTool, Tool: "scraper", Func: "fetch", Args: args, Reason: fmt.Sprintf("open item #%d", n)}

	result, gated := l.runner.Gate(ctx, "scraper", "fetch", args, tc)
	if gated != nil {
		gated.Hint = fmt.Sprintf("Open #%d (%s)?", n, item.URL)
		if err := l.sessions.SetPending(key, gated); err != nil {
			logger.WarnCF("agent", "pending approval save failed", map[string]any{"error": err.Error()})
		}
		res.Pending = gated
		res.Text = gated.Hint
		res.Steps = append(res.Steps, Step{Decision: decision, Observation: "{awaiting approval}"})
		l.finish(key, trig, res)
		return true
	}

	obs := l.observe(trig.RoomID, result, res)
	res.Steps = append(res.Steps, Step{Decision: decision, Observation: obs})
	switch {
	case result.IsError():
		res.Text = fmt.Sprintf("I couldn't open #%d: %s", n, result.Error)
	case result.Markdown != "":
		res.Text = result.Markdown
	default:
		res.Text = result.ForLLM
	}
	l.finish(key, trig, res)
	return true
}

// plan asks the completion service for exactly one decision.
func (l *Loop) plan(ctx context.Context, trig Trigger, state *session.State, steps []Step) (Decision, error) {
	messages := l.buildMessages(trig, state, steps)
	options := map[string]any{"max_tokens": trig.Agent.MaxTokens}
	if trig.Agent.Temperature != nil {
		options["temperature"] = *trig.Agent.Temperature
	}

	resp, err := l.provider.Chat(ctx, messages, nil, trig.Agent.Model, options)
	if err != nil {
		return Decision{}, err
	}

	// a provider-native tool call wins over the text payload
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		toolName, fn, _ := strings.Cut(tc.Name, ".")
		return Decision{Type: DecideTool, Tool: toolName, Func: fn, Args: tc.Arguments}, nil
	}
	return ParseDecision(resp.Content), nil
}

func (l *Loop) buildMessages(trig Trigger, state *session.State, steps []Step) []protocoltypes.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, an agent in a group chat room.\n", trig.Agent.Name)
	if trig.Agent.Persona != "" {
		sb.WriteString(trig.Agent.Persona + "\n")
	}
	sb.WriteString("\nDecide exactly ONE next action and reply with a single JSON object:\n")
	sb.WriteString(`{"type":"tool","tool":"...","func":"...","args":{...},"reason":"..."} to call a tool` + "\n")
	sb.WriteString(`{"type":"think","reason":"..."} to note something and keep going` + "\n")
	sb.WriteString(`{"type":"write","content":"..."} to say something to the room` + "\n")
	sb.WriteString(`{"type":"stop"} when you are finished` + "\n")

	catalog := l.runner.Registry().Catalog()
	if len(catalog) > 0 {
		sb.WriteString("\nAvailable tools:\n")
		for _, e := range catalog {
			fmt.Fprintf(&sb, "- %s.%s: %s (tags: %s)\n", e.Tool, e.Func, e.Description, strings.Join(e.Tags, ", "))
		}
	}

	messages := []protocoltypes.Message{{Role: "system", Content: sb.String()}}

	history := state.History
	if len(history) > 20 {
		history = history[len(history)-20:]
	}
	for _, e := range history {
		role := e.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, protocoltypes.Message{Role: role, Content: e.Content})
	}

	if len(steps) > 0 {
		var scratch strings.Builder
		scratch.WriteString("Scratchpad so far (not visible to the room):\n")
		for i, s := range steps {
			fmt.Fprintf(&scratch, "step %d: %s", i+1, describeDecision(s.Decision))
			if s.Observation != "" {
				fmt.Fprintf(&scratch, " -> %s", utils.Truncate(s.Observation, 600))
			}
			scratch.WriteString("\n")
		}
		messages = append(messages, protocoltypes.Message{Role: "user", Content: scratch.String()})
	}

	messages = append(messages, protocoltypes.Message{Role: "user", Content: trig.Text})
	return messages
}

// resolveTool turns a decision into a concrete tool/function, consulting
// the capability resolver when the planner spoke abstractly.
func (l *Loop) resolveTool(d Decision, profile *Profile) (string, string, bool) {
	catalog := l.runner.Registry().Catalog()
	if d.Tool != "" && d.Func != "" {
		if _, ok := capability.Find(catalog, d.Tool, d.Func); ok {
			return d.Tool, d.Func, true
		}
	}

	req := capability.Request{Hint: d.Reason}
	if tag := stringFromArgs(d.Args, "capability"); tag != "" {
		req.Tags = []string{tag}
	} else if d.Tool != "" {
		req.Tags = []string{d.Tool}
	}
	ref, ok := capability.Resolve(catalog, req, profile.Preferences)
	if !ok {
		return "", "", false
	}
	return ref.Tool, ref.Func, true
}

// observe folds a tool result into the run: enumerable items become a
// result set, and the observation text is truncated for the scratchpad.
func (l *Loop) observe(roomID string, result *tools.ToolResult, res *RunResult) string {
	if result.IsError() {
		return fmt.Sprintf("{error: %s}", utils.Truncate(result.Error, 400))
	}
	obs := result.ForLLM
	if len(result.Items) > 0 {
		set := l.results.Create(roomID, result.Items)
		res.ResultSet = set
		obs = fmt.Sprintf("%s (resultId %s)", obs, set.ID)
	}
	return utils.Truncate(obs, 1000)
}

func (l *Loop) finish(key string, trig Trigger, res *RunResult) {
	if res.Text != "" {
		l.sessions.Append(key, session.Entry{Role: "assistant", Content: res.Text, Author: trig.Agent.ID})
	}
	logger.InfoCF("agent", "run finished", map[string]any{
		"run_id":  res.RunID,
		"steps":   len(res.Steps),
		"pending": res.Pending != nil,
	})
}

func appendText(output *strings.Builder, text string) {
	if output.Len() > 0 {
		output.WriteString("\n\n")
	}
	output.WriteString(text)
}

func describeDecision(d Decision) string {
	switch d.Type {
	case DecideTool:
		return fmt.Sprintf("tool %s.%s", d.Tool, d.Func)
	case DecideThink:
		return "think: " + utils.Truncate(d.Reason, 200)
	case DecideWrite:
		return "write: " + utils.Truncate(d.Content, 200)
	default:
		return string(d.Type)
	}
}

func hasAssistantTurn(state *session.State) bool {
	for _, e := range state.History {
		if e.Role == "assistant" {
			return true
		}
	}
	return false
}

func stringFromArgs(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
