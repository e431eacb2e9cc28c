// Package facebook publishes to Facebook pages through the Graph API.
package facebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/platform"
)

const DefaultAPIBase = "https://graph.facebook.com/v21.0"

type Plugin struct {
	deps platform.Deps
	api  *platform.APIClient
}

func New(d platform.Deps) platform.Plugin {
	return &Plugin{deps: d, api: d.Client(platform.Facebook, DefaultAPIBase)}
}

func (p *Plugin) Platform() platform.ID { return platform.Facebook }

func (p *Plugin) Validate(_ context.Context, c content.Content) []string {
	return p.deps.Validate(platform.Facebook, c)
}

func (p *Plugin) Post(ctx context.Context, id, token string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Facebook, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	return platform.PostThread(ctx, id, f, nil, p.unit(token, acct.ExternalID))
}

func (p *Plugin) Update(ctx context.Context, id, token, remoteID string, c content.Content, _ model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Facebook, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	_, err = p.api.Do(ctx, platform.Request{
		Method: http.MethodPost,
		Path:   "/" + remoteID,
		Form:   url.Values{"message": {f.Body}},
		Token:  platform.Bearer(token),
	})
	if err != nil {
		return nil, fmt.Errorf("facebook: update %s: %w", remoteID, err)
	}
	return []platform.PostResponse{{ID: id, PostID: remoteID, ReleaseURL: permalink(remoteID), Status: platform.StatusUpdated}}, nil
}

func (p *Plugin) AddComment(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Facebook, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	return platform.PostThread(ctx, id, f, &platform.Ref{RemoteID: remoteID}, p.unit(token, acct.ExternalID))
}

func (p *Plugin) unit(token, pageID string) platform.UnitFunc {
	return func(ctx context.Context, u content.Content, parent *platform.Ref) (platform.Ref, error) {
		if parent != nil {
			return p.comment(ctx, token, parent.RemoteID, u)
		}
		if pageID == "" {
			return platform.Ref{}, platform.Permanent(errors.New("facebook: account has no page id"))
		}
		images, videos := u.Counts()
		switch {
		case videos > 0:
			return p.video(ctx, token, pageID, u)
		case images > 0:
			return p.photos(ctx, token, pageID, u)
		default:
			return p.feed(ctx, token, pageID, url.Values{"message": {u.Body}})
		}
	}
}

func (p *Plugin) feed(ctx context.Context, token, pageID string, form url.Values) (platform.Ref, error) {
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodPost,
		Path:   "/" + pageID + "/feed",
		Form:   form,
		Token:  platform.Bearer(token),
	})
	if err != nil {
		return platform.Ref{}, fmt.Errorf("facebook: publish: %w", err)
	}
	postID := body.Get("id").String()
	return platform.Ref{RemoteID: postID, ReleaseURL: permalink(postID)}, nil
}

// photos uploads every image unpublished and attaches them to one feed post.
func (p *Plugin) photos(ctx context.Context, token, pageID string, u content.Content) (platform.Ref, error) {
	form := url.Values{"message": {u.Body}}
	for i, m := range u.Media {
		body, err := p.api.Do(ctx, platform.Request{
			Method: http.MethodPost,
			Path:   "/" + pageID + "/photos",
			Form:   url.Values{"url": {m.URL}, "published": {"false"}},
			Token:  platform.Bearer(token),
		})
		if err != nil {
			return platform.Ref{}, fmt.Errorf("facebook: upload photo %d: %w", i+1, err)
		}
		ref, _ := json.Marshal(map[string]string{"media_fbid": body.Get("id").String()})
		form.Set("attached_media["+strconv.Itoa(i)+"]", string(ref))
	}
	return p.feed(ctx, token, pageID, form)
}

func (p *Plugin) video(ctx context.Context, token, pageID string, u content.Content) (platform.Ref, error) {
	var v content.Media
	for _, m := range u.Media {
		if m.Kind == content.MediaVideo {
			v = m
			break
		}
	}
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodPost,
		Path:   "/" + pageID + "/videos",
		Form:   url.Values{"file_url": {v.URL}, "description": {u.Body}},
		Token:  platform.Bearer(token),
	})
	if err != nil {
		return platform.Ref{}, fmt.Errorf("facebook: publish video: %w", err)
	}
	videoID := body.Get("id").String()
	return platform.Ref{RemoteID: videoID, ReleaseURL: permalink(videoID)}, nil
}

func (p *Plugin) comment(ctx context.Context, token, parentID string, u content.Content) (platform.Ref, error) {
	form := url.Values{"message": {u.Body}}
	for _, m := range u.Media {
		if m.IsVisual() {
			form.Set("attachment_url", m.URL)
			break
		}
	}
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodPost,
		Path:   "/" + parentID + "/comments",
		Form:   form,
		Token:  platform.Bearer(token),
	})
	if err != nil {
		return platform.Ref{}, fmt.Errorf("facebook: comment on %s: %w", parentID, err)
	}
	commentID := body.Get("id").String()
	return platform.Ref{RemoteID: commentID, ReleaseURL: permalink(commentID)}, nil
}

func permalink(id string) string {
	if id == "" {
		return ""
	}
	return "https://www.facebook.com/" + id
}
