package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"postwave/internal/content"
)

var errInvalidContent = errors.New("content is not valid for every platform")

func newValidateCmd() *cobra.Command {
	var (
		platforms []string
		file      string
		format    string
		opt       content.Options
		show      bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check content against platform rules offline",
		Long: `Reads a content file and checks it against each platform's rules.
A .json file is decoded as a full content object; any other file is used as
the body, with the format taken from --format or the extension (.md, .html).
Use "-" to read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := readContent(cmd.InOrStdin(), file, format)
			if err != nil {
				return err
			}
			targets, err := parsePlatforms(platforms)
			if err != nil {
				return err
			}
			if !validateContent(cmd.OutOrStdout(), c, targets, opt, show) {
				return errInvalidContent
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&platforms, "platform", "p", nil, "platforms to check (default all)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "content file, or - for stdin")
	cmd.Flags().StringVar(&format, "format", "", "body format: text, markdown or html")
	cmd.Flags().BoolVar(&opt.Truncate, "truncate", false, "truncate the body to the platform limit when formatting")
	cmd.Flags().StringSliceVar(&opt.Hashtags, "hashtag", nil, "hashtags to append when formatting")
	cmd.Flags().StringVar(&opt.Footer, "footer", "", "footer to append when formatting")
	cmd.Flags().BoolVar(&show, "show", false, "print the formatted body per platform")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readContent(stdin io.Reader, file, format string) (content.Content, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return content.Content{}, err
	}

	ext := strings.ToLower(filepath.Ext(file))
	if ext == ".json" {
		var c content.Content
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return content.Content{}, fmt.Errorf("%s: %w", file, err)
		}
		return c, nil
	}

	c := content.Content{Body: string(data)}
	switch {
	case format != "":
		c.Format = content.Format(strings.ToLower(format))
	case ext == ".md" || ext == ".markdown":
		c.Format = content.FormatMarkdown
	case ext == ".html" || ext == ".htm":
		c.Format = content.FormatHTML
	default:
		c.Format = content.FormatText
	}
	switch c.Format {
	case content.FormatText, content.FormatMarkdown, content.FormatHTML:
	default:
		return content.Content{}, fmt.Errorf("unknown format %q", format)
	}
	return c, nil
}

func parsePlatforms(names []string) ([]content.Platform, error) {
	if len(names) == 0 {
		return content.Platforms(), nil
	}
	known := content.Platforms()
	out := make([]content.Platform, 0, len(names))
	for _, n := range names {
		p := content.Platform(strings.ToLower(strings.TrimSpace(n)))
		if !slices.Contains(known, p) {
			return nil, fmt.Errorf("%s: %w", n, content.ErrUnknownPlatform)
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// validateContent prints one block per platform and reports whether all passed.
func validateContent(w io.Writer, c content.Content, targets []content.Platform, opt content.Options, show bool) bool {
	rules := content.DefaultRules()
	ok := true
	for _, p := range targets {
		res := rules.Validate(p, c)
		if res.IsValid {
			fmt.Fprintf(w, "%-10s ok\n", p)
		} else {
			ok = false
			fmt.Fprintf(w, "%-10s invalid\n", p)
			for _, e := range res.Errors {
				fmt.Fprintf(w, "  - %s\n", e)
			}
		}
		if !show {
			continue
		}
		f, err := rules.Format(p, c, opt)
		if err != nil {
			fmt.Fprintf(w, "  format failed: %v\n", err)
			continue
		}
		for _, line := range strings.Split(f.Body, "\n") {
			fmt.Fprintf(w, "  | %s\n", line)
		}
	}
	return ok
}

func sorted(s []string) []string {
	slices.Sort(s)
	return s
}
