// Package bluesky publishes to Bluesky through the AT Protocol XRPC API.
package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"postwave/internal/content"
	"postwave/internal/media"
	"postwave/internal/model"
	"postwave/internal/platform"
	logx "postwave/pkg/logx"
)

const (
	DefaultAPIBase = "https://bsky.social/xrpc"
	postCollection = "app.bsky.feed.post"
	maxFetchBytes  = 100 << 20
)

type Plugin struct {
	deps platform.Deps
	api  *platform.APIClient
	now  func() time.Time
}

func New(d platform.Deps) platform.Plugin {
	return &Plugin{deps: d, api: d.Client(platform.Bluesky, DefaultAPIBase), now: time.Now}
}

func (p *Plugin) Platform() platform.ID { return platform.Bluesky }

func (p *Plugin) Validate(_ context.Context, c content.Content) []string {
	return p.deps.Validate(platform.Bluesky, c)
}

func (p *Plugin) Post(ctx context.Context, id, token string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Bluesky, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	s, err := p.login(ctx, token, acct)
	if err != nil {
		return nil, err
	}
	return platform.PostThread(ctx, id, f, nil, p.unit(s))
}

func (p *Plugin) Update(context.Context, string, string, string, content.Content, model.Account) ([]platform.PostResponse, error) {
	return nil, platform.Permanent(fmt.Errorf("bluesky: edit: %w", platform.ErrUnsupported))
}

func (p *Plugin) AddComment(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f, err := p.deps.Format(platform.Bluesky, c)
	if err != nil {
		return nil, platform.Permanent(err)
	}
	s, err := p.login(ctx, token, acct)
	if err != nil {
		return nil, err
	}
	parent, err := p.resolve(ctx, s, remoteID)
	if err != nil {
		return nil, err
	}
	return platform.PostThread(ctx, id, f, &parent, p.unit(s))
}

type session struct {
	did    string
	handle string
	jwt    string
}

// login opens a session for this call only. The access token is the
// account's app password.
func (p *Plugin) login(ctx context.Context, token string, acct model.Account) (session, error) {
	identifier := acct.Handle
	if identifier == "" {
		identifier = acct.ExternalID
	}
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodPost,
		Path:   "com.atproto.server.createSession",
		JSON:   map[string]string{"identifier": identifier, "password": token},
	})
	if err != nil {
		return session{}, fmt.Errorf("bluesky: login: %w", err)
	}
	s := session{
		did:    body.Get("did").String(),
		handle: body.Get("handle").String(),
		jwt:    body.Get("accessJwt").String(),
	}
	if s.did == "" || s.jwt == "" {
		return session{}, platform.Permanent(errors.New("bluesky: login: session response missing did or accessJwt"))
	}
	if s.handle == "" {
		s.handle = identifier
	}
	return s, nil
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// threadRef is the Ref.Data of a published unit.
type threadRef struct {
	Root strongRef
	Self strongRef
}

func (p *Plugin) unit(s session) platform.UnitFunc {
	return func(ctx context.Context, u content.Content, parent *platform.Ref) (platform.Ref, error) {
		record := map[string]any{
			"$type":     postCollection,
			"text":      u.Body,
			"createdAt": p.now().UTC().Format(time.RFC3339Nano),
		}
		if langs := u.Settings["langs"]; langs != "" {
			record["langs"] = strings.Split(langs, ",")
		}
		embed, err := p.embed(ctx, s, u.Media)
		if err != nil {
			return platform.Ref{}, err
		}
		if embed != nil {
			record["embed"] = embed
		}

		var root *strongRef
		if parent != nil {
			pr, ok := parent.Data.(threadRef)
			if !ok {
				return platform.Ref{}, platform.Permanent(fmt.Errorf("bluesky: reply target %q has no record ref", parent.RemoteID))
			}
			record["reply"] = map[string]strongRef{"root": pr.Root, "parent": pr.Self}
			root = &pr.Root
		}

		body, err := p.api.Do(ctx, platform.Request{
			Method: http.MethodPost,
			Path:   "com.atproto.repo.createRecord",
			JSON:   map[string]any{"repo": s.did, "collection": postCollection, "record": record},
			Token:  platform.Bearer(s.jwt),
		})
		if err != nil {
			return platform.Ref{}, fmt.Errorf("bluesky: create post: %w", err)
		}
		self := strongRef{URI: body.Get("uri").String(), CID: body.Get("cid").String()}
		if root == nil {
			root = &self
		}
		return platform.Ref{
			RemoteID:   self.URI,
			ReleaseURL: releaseURL(s.handle, self.URI),
			Data:       threadRef{Root: *root, Self: self},
		}, nil
	}
}

// resolve loads an existing post so a reply can reference it and its root.
func (p *Plugin) resolve(ctx context.Context, s session, uri string) (platform.Ref, error) {
	repo, collection, rkey, ok := splitATURI(uri)
	if !ok {
		return platform.Ref{}, platform.Permanent(fmt.Errorf("bluesky: %q is not an at:// post uri", uri))
	}
	body, err := p.api.Do(ctx, platform.Request{
		Method: http.MethodGet,
		Path:   "com.atproto.repo.getRecord",
		Query:  url.Values{"repo": {repo}, "collection": {collection}, "rkey": {rkey}},
		Token:  platform.Bearer(s.jwt),
	})
	if err != nil {
		return platform.Ref{}, fmt.Errorf("bluesky: load %s: %w", uri, err)
	}
	self := strongRef{URI: body.Get("uri").String(), CID: body.Get("cid").String()}
	root := self
	if r := body.Get("value.reply.root"); r.Exists() {
		root = strongRef{URI: r.Get("uri").String(), CID: r.Get("cid").String()}
	}
	return platform.Ref{RemoteID: self.URI, ReleaseURL: releaseURL(s.handle, self.URI), Data: threadRef{Root: root, Self: self}}, nil
}

func (p *Plugin) embed(ctx context.Context, s session, items []content.Media) (map[string]any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if items[0].Kind == content.MediaVideo {
		blob, _, err := p.upload(ctx, s, items[0], 0)
		if err != nil {
			return nil, err
		}
		v := map[string]any{"$type": "app.bsky.embed.video", "video": blob}
		if items[0].Alt != "" {
			v["alt"] = items[0].Alt
		}
		return v, nil
	}

	images := make([]map[string]any, 0, len(items))
	for _, m := range items {
		blob, info, err := p.upload(ctx, s, m, p.deps.Rules.MaxImageBytes)
		if err != nil {
			return nil, err
		}
		img := map[string]any{"image": blob, "alt": m.Alt}
		if info.Width > 0 && info.Height > 0 {
			img["aspectRatio"] = map[string]int{"width": info.Width, "height": info.Height}
		}
		images = append(images, img)
	}
	return map[string]any{"$type": "app.bsky.embed.images", "images": images}, nil
}

// upload fetches m and stores it as a blob. Images larger than maxBytes are
// downscaled first.
func (p *Plugin) upload(ctx context.Context, s session, m content.Media, maxBytes int64) (json.RawMessage, media.Info, error) {
	data, err := media.Fetch(ctx, p.deps.HTTP, m.URL, maxFetchBytes)
	if err != nil {
		if errors.Is(err, media.ErrTooLarge) {
			return nil, media.Info{}, platform.Permanent(err)
		}
		return nil, media.Info{}, platform.Classify(err, 0)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		before := len(data)
		if data, err = media.Downscale(data, maxBytes); err != nil {
			return nil, media.Info{}, platform.Permanent(fmt.Errorf("bluesky: %s: %w", m.URL, err))
		}
		p.deps.Log.Info("image downscaled",
			logx.String("url", m.URL),
			logx.String("from", humanize.Bytes(uint64(before))),
			logx.String("to", humanize.Bytes(uint64(len(data)))),
		)
	}
	info := media.Inspect(data)
	body, err := p.api.Do(ctx, platform.Request{
		Method:      http.MethodPost,
		Path:        "com.atproto.repo.uploadBlob",
		Body:        data,
		ContentType: info.BaseMIME(),
		Token:       platform.Bearer(s.jwt),
	})
	if err != nil {
		return nil, info, fmt.Errorf("bluesky: upload %s: %w", m.URL, err)
	}
	blob := body.Get("blob")
	if !blob.Exists() {
		return nil, info, platform.Permanent(errors.New("bluesky: upload response missing blob"))
	}
	return json.RawMessage(blob.Raw), info, nil
}

func splitATURI(uri string) (repo, collection, rkey string, ok bool) {
	rest, found := strings.CutPrefix(uri, "at://")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func releaseURL(handle, uri string) string {
	_, _, rkey, ok := splitATURI(uri)
	if !ok {
		return ""
	}
	return "https://bsky.app/profile/" + handle + "/post/" + rkey
}
