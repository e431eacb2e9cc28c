package content

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Markup is what a platform renders.
type Markup string

const (
	MarkupPlain    Markup = "plain"
	MarkupHTML     Markup = "html"
	MarkupMarkdown Markup = "markdown"
)

// Rules are one platform's publishing limits. Zero numeric limits mean "no limit".
type Rules struct {
	MaxChars        int
	MaxCaptionChars int // limit when media is attached; 0 falls back to MaxChars
	MaxImages       int
	MaxVideos       int
	MaxMedia        int
	NoMixedMedia    bool

	MaxVideoDuration time.Duration
	MaxVideoBytes    int64
	// MaxImageBytes is the upload ceiling. Larger images are downscaled
	// before upload, so it is not a validation failure.
	MaxImageBytes int64

	SupportsPolls bool
	SupportsEdit  bool
	RequiresMedia bool
	Markup        Markup
}

// RuleSet maps platforms to their rules.
type RuleSet map[Platform]Rules

// DefaultRules returns a fresh copy of the built-in limits.
func DefaultRules() RuleSet {
	return RuleSet{
		Bluesky: {
			MaxChars: 300, MaxImages: 4, MaxVideos: 1, MaxMedia: 4, NoMixedMedia: true,
			MaxVideoDuration: 3 * time.Minute, MaxVideoBytes: 100 << 20,
			MaxImageBytes: 976 << 10, Markup: MarkupPlain,
		},
		Facebook: {
			MaxChars: 63206, MaxImages: 10, MaxVideos: 1, MaxMedia: 10, NoMixedMedia: true,
			MaxVideoDuration: 240 * time.Minute, MaxVideoBytes: 1 << 30,
			MaxImageBytes: 4 << 20, SupportsEdit: true, Markup: MarkupPlain,
		},
		Instagram: {
			MaxChars: 2200, MaxImages: 10, MaxVideos: 10, MaxMedia: 10,
			MaxVideoDuration: 15 * time.Minute, MaxVideoBytes: 300 << 20,
			MaxImageBytes: 8 << 20, RequiresMedia: true, Markup: MarkupPlain,
		},
		Telegram: {
			MaxChars: 4096, MaxCaptionChars: 1024, MaxImages: 10, MaxVideos: 10, MaxMedia: 10,
			MaxVideoBytes: 50 << 20, MaxImageBytes: 10 << 20,
			SupportsPolls: true, SupportsEdit: true, Markup: MarkupHTML,
		},
		Discord: {
			MaxChars: 2000, MaxImages: 10, MaxVideos: 10, MaxMedia: 10,
			MaxVideoBytes: 25 << 20, MaxImageBytes: 25 << 20,
			SupportsEdit: true, Markup: MarkupMarkdown,
		},
	}
}

var ErrUnknownPlatform = errors.New("unknown platform")

// Result is the outcome of a validation pass.
type Result struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateForPlatform checks c against the built-in rules.
func ValidateForPlatform(p Platform, c Content) Result {
	return DefaultRules().Validate(p, c)
}

// Validate checks c and every nested comment against p's rules.
func (rs RuleSet) Validate(p Platform, c Content) Result {
	r, ok := rs[p]
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("%s: %v", p, ErrUnknownPlatform)}}
	}
	errs := rs.validateUnit(p, r, c, "")
	return Result{IsValid: len(errs) == 0, Errors: errs}
}

func (rs RuleSet) validateUnit(p Platform, r Rules, c Content, prefix string) []string {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, prefix+fmt.Sprintf(format, args...))
	}

	// Struct tags recurse into comments, so only the top-level unit runs them.
	if prefix == "" {
		if err := structValidator.Struct(c); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					add("field %s fails %q", strings.TrimPrefix(fe.Namespace(), "Content."), fe.Tag())
				}
			} else {
				add("%v", err)
			}
		}
	}

	images, videos := c.Counts()
	if strings.TrimSpace(c.Body) == "" && len(c.Media) == 0 {
		add("content is empty")
	}
	if r.RequiresMedia && len(c.Media) == 0 && prefix == "" {
		add("%s requires at least one image or video", p)
	}

	if formatted, err := rs.Format(p, Content{Body: c.Body, Format: c.Format}, Options{}); err != nil {
		add("cannot format body: %v", err)
	} else {
		limit := r.MaxChars
		if len(c.Media) > 0 && r.MaxCaptionChars > 0 {
			limit = r.MaxCaptionChars
		}
		if n := VisibleLength(r.Markup, formatted.Body); limit > 0 && n > limit {
			add("text is %d characters, %s allows at most %d", n, p, limit)
		}
	}

	if r.MaxImages > 0 && images > r.MaxImages {
		add("%d images attached, %s allows at most %d", images, p, r.MaxImages)
	}
	if videos > 0 && r.MaxVideos == 1 && videos > 1 {
		add("%s allows only one video per post", p)
	} else if r.MaxVideos > 0 && videos > r.MaxVideos {
		add("%d videos attached, %s allows at most %d", videos, p, r.MaxVideos)
	}
	if r.MaxMedia > 0 && len(c.Media) > r.MaxMedia {
		add("%d media attached, %s allows at most %d", len(c.Media), p, r.MaxMedia)
	}
	if r.NoMixedMedia && images > 0 && videos > 0 {
		add("%s cannot mix images and videos in one post", p)
	}
	for i, m := range c.Media {
		if m.Kind != MediaVideo {
			continue
		}
		if r.MaxVideoDuration > 0 && m.Duration > r.MaxVideoDuration {
			add("media %d: video is %s long, %s allows at most %s", i+1, m.Duration, p, r.MaxVideoDuration)
		}
		if r.MaxVideoBytes > 0 && m.Size > r.MaxVideoBytes {
			add("media %d: video is %d bytes, %s allows at most %d", i+1, m.Size, p, r.MaxVideoBytes)
		}
	}
	if c.Poll != nil && !r.SupportsPolls {
		add("%s does not support polls", p)
	}

	for i, cm := range c.Comments {
		errs = append(errs, rs.validateUnit(p, r, cm, fmt.Sprintf("%scomment %d: ", prefix, i+1))...)
	}
	return errs
}

// Platforms returns the platforms in the set, sorted.
func (rs RuleSet) Platforms() []Platform {
	out := make([]Platform, 0, len(rs))
	for p := range rs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
