// Package discord posts to Discord channels as a bot.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/platform"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"
	maxEmbeds      = 10
)

type Plugin struct {
	deps platform.Deps
	api  *platform.APIClient
}

func New(d platform.Deps) platform.Plugin {
	return &Plugin{deps: d, api: d.Client(platform.Discord, DefaultAPIBase)}
}

func (p *Plugin) Platform() platform.ID { return platform.Discord }

func (p *Plugin) Validate(_ context.Context, c content.Content) []string {
	return p.deps.Validate(platform.Discord, c)
}

func botToken(token string) *oauth2.Token {
	return &oauth2.Token{AccessToken: token, TokenType: "Bot"}
}

func (p *Plugin) Post(ctx context.Context, id, token string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Discord, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	return platform.PostThread(ctx, id, f, nil, p.unit(token, acct.ExternalID))
}

func (p *Plugin) Update(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Discord, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodPatch,
		Path:   "/channels/" + acct.ExternalID + "/messages/" + remoteID,
		JSON:   messageBody(f),
		Token:  botToken(token),
	})
	if err != nil {
		return nil, fmt.Errorf("discord: edit %s: %w", remoteID, err)
	}
	return []platform.PostResponse{{
		ID:         id,
		PostID:     remoteID,
		ReleaseURL: messageURL(body.Get("guild_id").String(), acct.ExternalID, remoteID),
		Status:     platform.StatusUpdated,
	}}, nil
}

func (p *Plugin) AddComment(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Discord, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	return platform.PostThread(ctx, id, f, &platform.Ref{RemoteID: remoteID}, p.unit(token, acct.ExternalID))
}

func (p *Plugin) unit(token, channelID string) platform.UnitFunc {
	return func(ctx context.Context, u content.Content, parent *platform.Ref) (platform.Ref, error) {
		if channelID == "" {
			return platform.Ref{}, platform.Permanent(errors.New("discord: account has no channel id"))
		}
		msg := messageBody(u)
		if parent != nil {
			msg["message_reference"] = map[string]any{"message_id": parent.RemoteID, "fail_if_not_exists": false}
		}
		body, err := p.api.Do(ctx, platform.Request{
			Method: http.MethodPost,
			Path:   "/channels/" + channelID + "/messages",
			JSON:   msg,
			Token:  botToken(token),
		})
		if err != nil {
			return platform.Ref{}, fmt.Errorf("discord: send: %w", err)
		}
		msgID := body.Get("id").String()
		return platform.Ref{RemoteID: msgID, ReleaseURL: messageURL(body.Get("guild_id").String(), channelID, msgID)}, nil
	}
}

// messageBody renders images as embeds and links everything else inline so
// Discord unfurls it.
func messageBody(u content.Content) map[string]any {
	text := u.Body
	var embeds []map[string]any
	var links []string
	for _, m := range u.Media {
		if m.IsVisual() && len(embeds) < maxEmbeds {
			embeds = append(embeds, map[string]any{"image": map[string]string{"url": m.URL}, "description": m.Alt})
			continue
		}
		links = append(links, m.URL)
	}
	if len(links) > 0 {
		if text != "" {
			text += "\n"
		}
		text += strings.Join(links, "\n")
	}
	msg := map[string]any{
		"content":          text,
		"allowed_mentions": map[string]any{"parse": []string{}},
	}
	if embeds != nil {
		msg["embeds"] = embeds
	}
	return msg
}

func messageURL(guildID, channelID, messageID string) string {
	if messageID == "" {
		return ""
	}
	if guildID == "" {
		guildID = "@me"
	}
	return "https://discord.com/channels/" + guildID + "/" + channelID + "/" + messageID
}
