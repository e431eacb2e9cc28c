// Package instagram publishes to Instagram professional accounts through the
// Graph API container flow.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/platform"
	logx "postwave/pkg/logx"
)

const (
	DefaultAPIBase = "https://graph.facebook.com/v21.0"

	containerPolls = 20
)

type Plugin struct {
	deps platform.Deps
	api  *platform.APIClient
	// pollEvery spaces container status checks for video uploads.
	pollEvery time.Duration
}

func New(d platform.Deps) platform.Plugin {
	return &Plugin{deps: d, api: d.Client(platform.Instagram, DefaultAPIBase), pollEvery: 3 * time.Second}
}

func (p *Plugin) Platform() platform.ID { return platform.Instagram }

func (p *Plugin) Validate(_ context.Context, c content.Content) []string {
	return p.deps.Validate(platform.Instagram, c)
}

func (p *Plugin) Post(ctx context.Context, id, token string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Instagram, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	return platform.PostThread(ctx, id, f, nil, p.unit(token, acct.ExternalID))
}

func (p *Plugin) Update(context.Context, string, string, string, content.Content, model.Account) ([]platform.PostResponse, error) {
	return nil, platform.Permanent(fmt.Errorf("instagram: edit: %w", platform.ErrUnsupported))
}

func (p *Plugin) AddComment(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Instagram, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	parent := &platform.Ref{RemoteID: remoteID, Data: igRef{}}
	return platform.PostThread(ctx, id, f, parent, p.unit(token, acct.ExternalID))
}

// igRef is Ref.Data. Instagram replies nest one level only, so every reply in
// a chain goes to the first comment.
type igRef struct {
	TopComment string
}

func (p *Plugin) unit(token, userID string) platform.UnitFunc {
	return func(ctx context.Context, u content.Content, parent *platform.Ref) (platform.Ref, error) {
		if parent != nil {
			return p.comment(ctx, token, parent, u)
		}
		if userID == "" {
			return platform.Ref{}, platform.Permanent(errors.New("instagram: account has no user id"))
		}
		creation, err := p.container(ctx, token, userID, u)
		if err != nil {
			return platform.Ref{}, err
		}
		body, err := p.api.Do(ctx, platform.Request{
			Method: http.MethodPost,
			Path:   "/" + userID + "/media_publish",
			Form:   url.Values{"creation_id": {creation}},
			Token:  platform.Bearer(token),
		})
		if err != nil {
			return platform.Ref{}, fmt.Errorf("instagram: publish: %w", err)
		}
		mediaID := body.Get("id").String()
		return platform.Ref{RemoteID: mediaID, ReleaseURL: p.permalink(ctx, token, mediaID)}, nil
	}
}

// container creates the media container to publish: a single item, or a
// carousel of children for more than one.
func (p *Plugin) container(ctx context.Context, token, userID string, u content.Content) (string, error) {
	if len(u.Media) == 1 {
		form := mediaForm(u.Media[0], false)
		form.Set("caption", u.Body)
		return p.create(ctx, token, userID, form, u.Media[0].Kind == content.MediaVideo)
	}

	children := make([]string, 0, len(u.Media))
	for _, m := range u.Media {
		id, err := p.create(ctx, token, userID, mediaForm(m, true), m.Kind == content.MediaVideo)
		if err != nil {
			return "", err
		}
		children = append(children, id)
	}
	form := url.Values{
		"media_type": {"CAROUSEL"},
		"children":   {strings.Join(children, ",")},
		"caption":    {u.Body},
	}
	return p.create(ctx, token, userID, form, false)
}

func mediaForm(m content.Media, carouselItem bool) url.Values {
	form := url.Values{}
	if m.Kind == content.MediaVideo {
		form.Set("video_url", m.URL)
		if carouselItem {
			form.Set("media_type", "VIDEO")
		} else {
			form.Set("media_type", "REELS")
		}
	} else {
		form.Set("image_url", m.URL)
	}
	if m.Alt != "" && m.Kind != content.MediaVideo {
		form.Set("alt_text", m.Alt)
	}
	if carouselItem {
		form.Set("is_carousel_item", "true")
	}
	return form
}

func (p *Plugin) create(ctx context.Context, token, userID string, form url.Values, wait bool) (string, error) {
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodPost,
		Path:   "/" + userID + "/media",
		Form:   form,
		Token:  platform.Bearer(token),
	})
	if err != nil {
		return "", fmt.Errorf("instagram: create container: %w", err)
	}
	id := body.Get("id").String()
	if wait {
		if err := p.awaitContainer(ctx, token, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

// awaitContainer polls until a video container finished processing.
func (p *Plugin) awaitContainer(ctx context.Context, token, id string) error {
	for i := 0; i < containerPolls; i++ {
		body, err := p.api.Do(ctx, platform.Request{
			Path:  "/" + id,
			Query: url.Values{"fields": {"status_code"}},
			Token: platform.Bearer(token),
		})
		if err != nil {
			return fmt.Errorf("instagram: container status: %w", err)
		}
		switch status := body.Get("status_code").String(); status {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return platform.Permanent(fmt.Errorf("instagram: container %s: %s", id, status))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollEvery):
		}
	}
	return platform.Transient(fmt.Errorf("instagram: container %s still processing", id), 0)
}

func (p *Plugin) comment(ctx context.Context, token string, parent *platform.Ref, u content.Content) (platform.Ref, error) {
	path := "/" + parent.RemoteID + "/comments"
	ref, _ := parent.Data.(igRef)
	if ref.TopComment != "" {
		path = "/" + ref.TopComment + "/replies"
	}
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodPost,
		Path:   path,
		Form:   url.Values{"message": {u.Body}},
		Token:  platform.Bearer(token),
	})
	if err != nil {
		return platform.Ref{}, fmt.Errorf("instagram: comment: %w", err)
	}
	id := body.Get("id").String()
	top := ref.TopComment
	if top == "" {
		top = id
	}
	return platform.Ref{RemoteID: id, Data: igRef{TopComment: top}}, nil
}

// permalink is best effort; a failed lookup leaves the URL empty.
func (p *Plugin) permalink(ctx context.Context, token, mediaID string) string {
	body, err := p.api.Do(ctx, platform.Request{
		Path:  "/" + mediaID,
		Query: url.Values{"fields": {"permalink"}},
		Token: platform.Bearer(token),
	})
	if err != nil {
		p.deps.Log.Warn("permalink lookup failed", logx.String("media_id", mediaID), logx.Err(err))
		return ""
	}
	return body.Get("permalink").String()
}
