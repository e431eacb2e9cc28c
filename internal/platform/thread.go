package platform

import (
	"context"

	"postwave/internal/content"
)

// Ref points at a published unit. Data carries whatever else the platform
// needs to reply to it.
type Ref struct {
	RemoteID   string
	ReleaseURL string
	Data       any
}

// UnitFunc publishes a single unit (its Comments are ignored). parent is nil
// for the primary unit of a new post.
type UnitFunc func(ctx context.Context, unit content.Content, parent *Ref) (Ref, error)

// PostThread publishes c as a reply to parent (or as a new post when parent
// is nil), then each comment as a reply to the one before it, descending into
// nested comments. A failure on the first unit is returned as the error. A
// failed comment ends the chain and is reported as a failed response after
// the successful ones.
func PostThread(ctx context.Context, id string, c content.Content, parent *Ref, post UnitFunc) ([]PostResponse, error) {
	out, _, err := thread(ctx, id, c, parent, post)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}

// thread returns the responses so far and the head of what it posted. A
// non-nil error with responses means the chain broke part way.
func thread(ctx context.Context, id string, c content.Content, parent *Ref, post UnitFunc) ([]PostResponse, Ref, error) {
	status := StatusPublished
	if parent != nil {
		status = StatusCommented
	}
	head, err := post(ctx, c, parent)
	if err != nil {
		return nil, Ref{}, err
	}
	out := []PostResponse{{ID: id, PostID: head.RemoteID, ReleaseURL: head.ReleaseURL, Status: status}}

	prev := head
	for _, cm := range c.Comments {
		if err := ctx.Err(); err != nil {
			return append(out, PostResponse{ID: id, Status: StatusFailed, Error: err.Error()}), head, err
		}
		rs, ref, err := thread(ctx, id, cm, &prev, post)
		out = append(out, rs...)
		if err != nil {
			if len(rs) == 0 {
				out = append(out, PostResponse{ID: id, Status: StatusFailed, Error: err.Error()})
			}
			return out, head, err
		}
		prev = ref
	}
	return out, head, nil
}
