// Package telegram publishes to Telegram channels and groups as a bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/platform"
)

const DefaultAPIBase = "https://api.telegram.org"

type Plugin struct {
	deps platform.Deps
}

func New(d platform.Deps) platform.Plugin { return &Plugin{deps: d} }

func (p *Plugin) Platform() platform.ID { return platform.Telegram }

func (p *Plugin) Validate(_ context.Context, c content.Content) []string {
	return p.deps.Validate(platform.Telegram, c)
}

// bot builds a client for one call. Offline skips the getMe round trip.
// telebot does not take a context, so ctx only bounds the client timeout.
func (p *Plugin) bot(ctx context.Context, token string) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, platform.Permanent(errors.New("telegram: empty bot token"))
	}
	base := p.deps.Settings.APIBase
	if base == "" {
		base = DefaultAPIBase
	}
	timeout := p.deps.Settings.Timeout
	if timeout <= 0 {
		timeout = platform.DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			return nil, context.DeadlineExceeded
		}
		timeout = min(timeout, left)
	}
	hc := &http.Client{Timeout: timeout}
	if p.deps.HTTP != nil {
		hc.Transport = p.deps.HTTP.Transport
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(base, "/"),
		Token:   token,
		Client:  hc,
		Offline: true,
	})
	if err != nil {
		return nil, platform.Permanent(fmt.Errorf("telegram: %w", err))
	}
	return b, nil
}

type chat string

func (c chat) Recipient() string { return string(c) }

func (p *Plugin) Post(ctx context.Context, id, token string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Telegram, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	b, err := p.bot(ctx, token)
	if err != nil {
		return nil, err
	}
	to := chat(acct.ExternalID)
	rs, err := platform.PostThread(ctx, id, f, nil, p.unit(b, to))
	if err != nil || f.Poll == nil {
		return rs, err
	}
	// The poll follows the primary message as a reply.
	if err := p.poll(ctx, b, to, f.Poll, rs[0].PostID); err != nil {
		rs = append(rs, platform.PostResponse{ID: id, Status: platform.StatusFailed, Error: err.Error()})
	}
	return rs, nil
}

func (p *Plugin) Update(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Telegram, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	b, err := p.bot(ctx, token)
	if err != nil {
		return nil, err
	}
	msg, err := message(acct.ExternalID, remoteID)
	if err != nil {
		return nil, err
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML}
	if len(f.Media) > 0 {
		_, err = b.EditCaption(msg, f.Body, opts)
	} else {
		_, err = b.Edit(msg, f.Body, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram: edit %s: %w", remoteID, classify(err))
	}
	return []platform.PostResponse{{ID: id, PostID: remoteID, ReleaseURL: messageURL(acct.ExternalID, remoteID), Status: platform.StatusUpdated}}, nil
}

func (p *Plugin) AddComment(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Telegram, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	b, err := p.bot(ctx, token)
	if err != nil {
		return nil, err
	}
	return platform.PostThread(ctx, id, f, &platform.Ref{RemoteID: remoteID}, p.unit(b, chat(acct.ExternalID)))
}

func (p *Plugin) unit(b *tele.Bot, to chat) platform.UnitFunc {
	return func(ctx context.Context, u content.Content, parent *platform.Ref) (platform.Ref, error) {
		opts := &tele.SendOptions{ParseMode: tele.ModeHTML}
		if parent != nil {
			reply, err := message(string(to), parent.RemoteID)
			if err != nil {
				return platform.Ref{}, err
			}
			opts.ReplyTo = reply
		}
		if err := p.wait(ctx); err != nil {
			return platform.Ref{}, err
		}

		var sent *tele.Message
		var err error
		switch len(u.Media) {
		case 0:
			sent, err = b.Send(to, u.Body, opts)
		case 1:
			sent, err = b.Send(to, inputMedia(u.Media[0], u.Body), opts)
		default:
			album := make(tele.Album, 0, len(u.Media))
			for i, m := range u.Media {
				caption := ""
				if i == 0 {
					caption = u.Body
				}
				album = append(album, inputMedia(m, caption))
			}
			var msgs []tele.Message
			msgs, err = b.SendAlbum(to, album, opts)
			if err == nil && len(msgs) > 0 {
				sent = &msgs[0]
			}
		}
		if err != nil {
			return platform.Ref{}, fmt.Errorf("telegram: send: %w", classify(err))
		}
		if sent == nil {
			return platform.Ref{}, errors.New("telegram: send returned no message")
		}
		remoteID := strconv.Itoa(sent.ID)
		return platform.Ref{RemoteID: remoteID, ReleaseURL: messageURL(string(to), remoteID)}, nil
	}
}

func (p *Plugin) poll(ctx context.Context, b *tele.Bot, to chat, poll *content.Poll, replyTo string) error {
	q := &tele.Poll{Type: tele.PollRegular, Question: poll.Question}
	if poll.Duration > 0 {
		q.OpenPeriod = int(poll.Duration / time.Second)
	}
	q.AddOptions(poll.Options...)
	opts := &tele.SendOptions{}
	if reply, err := message(string(to), replyTo); err == nil {
		opts.ReplyTo = reply
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	if _, err := b.Send(to, q, opts); err != nil {
		return fmt.Errorf("telegram: send poll: %w", classify(err))
	}
	return nil
}

func (p *Plugin) wait(ctx context.Context) error {
	if p.deps.Limiter == nil {
		return ctx.Err()
	}
	if err := p.deps.Limiter.Wait(ctx); err != nil {
		return platform.Transient(fmt.Errorf("telegram: rate limit wait: %w", err), 0)
	}
	return nil
}

func inputMedia(m content.Media, caption string) tele.Inputtable {
	file := tele.FromURL(m.URL)
	switch m.Kind {
	case content.MediaVideo:
		return &tele.Video{File: file, Caption: caption}
	case content.MediaGIF:
		return &tele.Animation{File: file, Caption: caption}
	default:
		return &tele.Photo{File: file, Caption: caption}
	}
}

// message rebuilds a sent message from its stored ids. Editing needs a
// numeric chat id; @username chats can only be replied to.
func message(chatRef, remoteID string) (*tele.Message, error) {
	id, err := strconv.Atoi(remoteID)
	if err != nil {
		return nil, platform.Permanent(fmt.Errorf("telegram: bad message id %q", remoteID))
	}
	m := &tele.Message{ID: id, Chat: &tele.Chat{}}
	if chatID, err := strconv.ParseInt(chatRef, 10, 64); err == nil {
		m.Chat.ID = chatID
	} else {
		m.Chat.Username = strings.TrimPrefix(chatRef, "@")
	}
	return m, nil
}

// messageURL links public channels by username and private ones by the
// internal id form.
func messageURL(chatRef, remoteID string) string {
	if name, ok := strings.CutPrefix(chatRef, "@"); ok {
		return "https://t.me/" + name + "/" + remoteID
	}
	if internal, ok := strings.CutPrefix(chatRef, "-100"); ok {
		return "https://t.me/c/" + internal + "/" + remoteID
	}
	return ""
}

// classify maps Bot API failures onto the retry classes.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return platform.Transient(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return platform.Transient(err, 0)
		}
		return platform.Permanent(err)
	}
	return platform.Classify(err, 0)
}
