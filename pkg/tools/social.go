package tools

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/mymmrac/telego"
	"github.com/slack-go/slack"

	"github.com/tinyland-inc/parley/pkg/capability"
)

// poster sends one message to one destination on a platform. Split out
// so tests can stub the network.
type poster func(ctx context.Context, destination, content string) error

// SocialTool posts to external social platforms. Every function is
// side-effecting and always approval-gated.
type SocialTool struct {
	defaultChannel string
	posters        map[string]poster
}

// NewSocialTool builds posters for each platform that has a token
// configured. Platforms without credentials are simply absent from the
// catalog.
func NewSocialTool(discordToken, slackToken, telegramToken, defaultChannel string) (*SocialTool, error) {
	t := &SocialTool{
		defaultChannel: defaultChannel,
		posters:        make(map[string]poster),
	}

	if discordToken != "" {
		session, err := discordgo.New("Bot " + discordToken)
		if err != nil {
			return nil, fmt.Errorf("social: discord: %w", err)
		}
		t.posters["post_discord"] = func(ctx context.Context, destination, content string) error {
			_, err := session.ChannelMessageSend(destination, content, discordgo.WithContext(ctx))
			return err
		}
	}

	if slackToken != "" {
		api := slack.New(slackToken)
		t.posters["post_slack"] = func(ctx context.Context, destination, content string) error {
			_, _, err := api.PostMessageContext(ctx, destination, slack.MsgOptionText(content, false))
			return err
		}
	}

	if telegramToken != "" {
		bot, err := telego.NewBot(telegramToken, telego.WithDiscardLogger())
		if err != nil {
			return nil, fmt.Errorf("social: telegram: %w", err)
		}
		t.posters["post_telegram"] = func(ctx context.Context, destination, content string) error {
			chatID, err := strconv.ParseInt(destination, 10, 64)
			if err != nil {
				return fmt.Errorf("telegram chat id %q: %w", destination, err)
			}
			_, err = bot.SendMessage(ctx, &telego.SendMessageParams{
				ChatID: telego.ChatID{ID: chatID},
				Text:   content,
			})
			return err
		}
	}

	return t, nil
}

func (t *SocialTool) Name() string { return "social" }

func (t *SocialTool) Catalog() []capability.Entry {
	var out []capability.Entry
	for _, fn := range []struct {
		name, desc string
		syns       []string
	}{
		{"post_discord", "Post a message to a Discord channel", []string{"discord"}},
		{"post_slack", "Post a message to a Slack channel", []string{"slack"}},
		{"post_telegram", "Post a message to a Telegram chat", []string{"telegram"}},
	} {
		if _, ok := t.posters[fn.name]; !ok {
			continue
		}
		out = append(out, capability.Entry{
			Tool: "social", Func: fn.name,
			Description: fn.desc,
			Tags:        []string{"post", "social", "announce"},
			Synonyms:    append([]string{"share", "publish"}, fn.syns...),
			SideEffect:  true,
			Approval:    "ask",
		})
	}
	return out
}

func (t *SocialTool) Execute(ctx context.Context, fn string, args map[string]any, tc ToolContext) *ToolResult {
	post, ok := t.posters[fn]
	if !ok {
		return ErrorResult(fmt.Sprintf("social: %s is not configured", fn))
	}

	content := stringArg(args, "content")
	if content == "" {
		content = stringArg(args, "message")
	}
	if content == "" {
		return ErrorResult("social: missing content argument")
	}

	destination := stringArg(args, "channel")
	if destination == "" {
		destination = t.defaultChannel
	}
	if destination == "" {
		return ErrorResult("social: no destination channel configured")
	}

	if err := post(ctx, destination, content); err != nil {
		return ErrorResult(fmt.Sprintf("social: %s: %v", fn, err))
	}
	return MarkdownResult(
		fmt.Sprintf("posted to %s channel %s", fn, destination),
		fmt.Sprintf("Posted to %s.", fn[len("post_"):]),
	)
}
