package greenhouse

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Download fetches attachment bytes. Attachment URLs are presigned, so the
// request carries no credentials and is not paced by the API limiter.
func (c *Client) Download(ctx context.Context, att Attachment) ([]byte, error) {
	if att.URL == "" {
		return nil, fmt.Errorf("attachment %q has no url", att.Filename)
	}

	data, _, err := c.get(ctx, att.URL, getOptions{limit: maxAttachmentSize, anonymous: true})
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", att.Filename, err)
	}

	return data, nil
}

// Kind classifies an attachment by its declared type.
func (a Attachment) Kind() string {
	t := strings.ToLower(a.Type)
	switch {
	case strings.Contains(t, "resume"):
		return "resume"
	case strings.Contains(t, "cover"):
		return "cover_letter"
	default:
		return "other"
	}
}

// Ext returns the lowercased filename extension without the dot.
func (a Attachment) Ext() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(a.Filename)), ".")
}
