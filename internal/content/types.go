package content

import (
	"time"
)

// Platform identifies an external publishing target.
type Platform string

const (
	Bluesky   Platform = "bluesky"
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	Telegram  Platform = "telegram"
	Discord   Platform = "discord"
)

// Platforms lists every platform the rule table knows, in a stable order.
func Platforms() []Platform {
	return []Platform{Bluesky, Discord, Facebook, Instagram, Telegram}
}

// Format is the markup the author wrote the body in.
type Format string

const (
	FormatText     Format = "text"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaGIF   MediaKind = "gif"
)

type Media struct {
	URL      string        `json:"url" validate:"required,url"`
	Kind     MediaKind     `json:"kind" validate:"required,oneof=image video gif"`
	MIME     string        `json:"mime,omitempty"`
	Size     int64         `json:"size,omitempty" validate:"gte=0"`
	Width    int           `json:"width,omitempty" validate:"gte=0"`
	Height   int           `json:"height,omitempty" validate:"gte=0"`
	Duration time.Duration `json:"duration,omitempty" validate:"gte=0"`
	Alt      string        `json:"alt,omitempty" validate:"max=2000"`
}

func (m Media) IsVisual() bool { return m.Kind == MediaImage || m.Kind == MediaGIF }

type Poll struct {
	Question string        `json:"question" validate:"required,max=300"`
	Options  []string      `json:"options" validate:"min=2,max=10,dive,required"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Content is one publishable unit. Comments are follow-up units posted as
// replies after the primary one, each of which may carry its own replies.
type Content struct {
	Body     string            `json:"body"`
	Format   Format            `json:"format,omitempty" validate:"omitempty,oneof=text html markdown"`
	Media    []Media           `json:"media,omitempty" validate:"dive"`
	Comments []Content         `json:"comments,omitempty" validate:"dive"`
	Poll     *Poll             `json:"poll,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

func (c Content) format() Format {
	if c.Format == "" {
		return FormatText
	}
	return c.Format
}

// Counts returns the number of still images (incl. gifs) and videos.
func (c Content) Counts() (images, videos int) {
	for _, m := range c.Media {
		if m.Kind == MediaVideo {
			videos++
		} else {
			images++
		}
	}
	return images, videos
}
