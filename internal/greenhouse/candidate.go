package greenhouse

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const candidatesPath = "/candidates"

type Candidate struct {
	ID             string         `json:"id"`
	FirstName      string         `json:"first_name"`
	LastName       string         `json:"last_name"`
	Company        string         `json:"company"`
	Title          string         `json:"title"`
	EmailAddresses []ContactValue `json:"email_addresses"`
	Attachments    []Attachment   `json:"attachments"`
}

type ContactValue struct {
	Value string `json:"value"`
	Type  string `json:"type"`
}

func (c *Candidate) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Email returns the first email address or "N/A".
func (c *Candidate) Email() string {
	if len(c.EmailAddresses) == 0 || c.EmailAddresses[0].Value == "" {
		return "N/A"
	}
	return c.EmailAddresses[0].Value
}

// Candidate returns the person behind an application.
func (c *Client) Candidate(ctx context.Context, id string) (*Candidate, error) {
	var candidate Candidate
	if err := c.getObject(ctx, fmt.Sprintf("%s%s/%s", c.APIURL, candidatesPath, url.PathEscape(id)), &candidate); err != nil {
		return nil, fmt.Errorf("get candidate %s: %w", id, err)
	}
	return &candidate, nil
}
