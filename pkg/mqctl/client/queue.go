package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/stocktracker/mailqueue/pkg/queue"
	"github.com/stocktracker/mailqueue/pkg/version"
)

const queuePath = "/api/admin/email-queue"

type ListOptions struct {
	Page   int
	Limit  int
	Status string
	Search string
}

type RetryResponse struct {
	Message string `json:"message"`
	Matched int    `json:"matched"`
}

type enqueueRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

// TemplateRequest is the body of POST /templated.
type TemplateRequest struct {
	Template  string         `json:"template"`
	To        string         `json:"to,omitempty"`
	Token     string         `json:"token,omitempty"`
	FirstName string         `json:"firstName,omitempty"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type templateResponse struct {
	IDs []string `json:"ids"`
}

func (c *Client) Stats(ctx context.Context) (*queue.Stats, error) {
	var stats queue.Stats
	if err := c.do(ctx, http.MethodGet, queuePath+"/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) List(ctx context.Context, opts ListOptions) (*queue.Page, error) {
	params := url.Values{}
	if opts.Page > 0 {
		params.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Search != "" {
		params.Set("search", opts.Search)
	}
	var page queue.Page
	if err := c.do(ctx, http.MethodGet, queuePath, params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAll follows the pages of a listing until every matching job was fetched.
func (c *Client) ListAll(ctx context.Context, opts ListOptions) ([]queue.Job, error) {
	opts.Page = 1
	if opts.Limit <= 0 {
		opts.Limit = queue.MaxPageSize
	}
	var jobs []queue.Job
	for {
		page, err := c.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, page.Jobs...)
		if opts.Page >= page.Pages || len(page.Jobs) == 0 {
			return jobs, nil
		}
		opts.Page++
	}
}

func (c *Client) Get(ctx context.Context, id string) (*queue.Job, error) {
	var job queue.Job
	if err := c.do(ctx, http.MethodGet, queuePath+"/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Retry(ctx context.Context, ids []string) (*RetryResponse, error) {
	var resp RetryResponse
	body := map[string][]string{"ids": ids}
	if err := c.do(ctx, http.MethodPost, queuePath+"/retry", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Enqueue(ctx context.Context, to, subject, html string) (string, error) {
	var resp enqueueResponse
	body := enqueueRequest{To: to, Subject: subject, HTML: html}
	if err := c.do(ctx, http.MethodPost, queuePath, nil, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SendTemplate queues a rendered transactional email and returns the created job ids.
func (c *Client) SendTemplate(ctx context.Context, req TemplateRequest) ([]string, error) {
	var resp templateResponse
	if err := c.do(ctx, http.MethodPost, queuePath+"/templated", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// ServerVersion returns the build info reported by /api/version.
func (c *Client) ServerVersion(ctx context.Context) (*version.BuildInfo, error) {
	var info version.BuildInfo
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health returns nil when /healthz reports ok.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}
