package debrid

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/fetch"
)

type PremiumizeOptions struct {
	BaseURL      string
	ExtraHeaders map[string]string
}

var DefaultPremiumizeOpts = PremiumizeOptions{
	BaseURL: "https://www.premiumize.me/api",
}

// Premiumize is the www.premiumize.me client. Cached content is served
// through direct download links in one call; uncached content goes through
// a cloud transfer whose finished files are listed from its folder. The
// apikey parameter accepts both API keys and OAuth2 access tokens.
type Premiumize struct {
	opts    PremiumizeOptions
	fetcher *fetch.Client
	logger  *zap.Logger
}

var _ Service = (*Premiumize)(nil)

func NewPremiumize(opts PremiumizeOptions, fetcher *fetch.Client, logger *zap.Logger) (*Premiumize, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	return &Premiumize{opts: opts, fetcher: fetcher, logger: logger}, nil
}

func (c *Premiumize) ID() ServiceID { return ServicePremiumize }

func (c *Premiumize) CheckAvailability(ctx context.Context, credential string, hashes []string) ([]string, error) {
	// Precondition check
	if len(hashes) == 0 {
		return nil, nil
	}

	query := url.Values{"items[]": hashes}
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/cache/check?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check cache on www.premiumize.me: %w", err)
	}

	var available []string
	for i, cached := range gjson.GetBytes(resBytes, "response").Array() {
		if cached.Bool() && i < len(hashes) {
			available = append(available, strings.ToLower(hashes[i]))
		}
	}
	return available, nil
}

func (c *Premiumize) AddMagnet(ctx context.Context, credential string, fi FileInfo) (*Job, error) {
	c.logger.Debug("Requesting direct download from Premiumize...", zap.String("hash", fi.Hash))
	data := url.Values{}
	data.Set("src", fi.Magnet())
	if ip := originIP(ctx); ip != "" {
		data.Set("download_ip", ip)
	}
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/transfer/directdl", data)
	if err == nil {
		job := &Job{ID: fi.Hash, Status: StatusReady, Name: gjson.GetBytes(resBytes, "filename").String()}
		job.Files = pmFiles(gjson.GetBytes(resBytes, "content").Array())
		return job, nil
	}
	if isCoded(err) {
		return nil, err
	}

	// Not cached: create a cloud transfer instead.
	c.logger.Debug("Direct download unavailable, creating transfer...", zap.Error(err), zap.String("hash", fi.Hash))
	data = url.Values{}
	data.Set("src", fi.Magnet())
	resBytes, err = c.do(ctx, credential, "POST", c.opts.BaseURL+"/transfer/create", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create transfer on www.premiumize.me: %w", err)
	}
	jobID := gjson.GetBytes(resBytes, "id").String()
	if jobID == "" {
		return nil, fmt.Errorf("Couldn't determine transfer ID in create response from www.premiumize.me")
	}
	return &Job{
		ID:     jobID,
		Status: StatusDownloading,
		Name:   gjson.GetBytes(resBytes, "name").String(),
	}, nil
}

func (c *Premiumize) GetJob(ctx context.Context, credential string, jobID string) (*Job, error) {
	resBytes, err := c.do(ctx, credential, "GET", c.opts.BaseURL+"/transfer/list", nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't list transfers on www.premiumize.me: %w", err)
	}

	var transfer gjson.Result
	for _, t := range gjson.GetBytes(resBytes, "transfers").Array() {
		if t.Get("id").String() == jobID {
			transfer = t
			break
		}
	}
	if !transfer.Exists() {
		return nil, fmt.Errorf("Transfer %q not found on www.premiumize.me", jobID)
	}

	job := &Job{
		ID:     jobID,
		Status: pmStatus(transfer.Get("status").String()),
		Name:   transfer.Get("name").String(),
	}
	if job.Status != StatusReady {
		return job, nil
	}

	folderID := transfer.Get("folder_id").String()
	if folderID == "" {
		return job, nil
	}
	folderBytes, err := c.do(ctx, credential, "GET", c.opts.BaseURL+"/folder/list?id="+url.QueryEscape(folderID), nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't list folder on www.premiumize.me: %w", err)
	}
	index := 0
	for _, item := range gjson.GetBytes(folderBytes, "content").Array() {
		if item.Get("type").String() != "file" {
			continue
		}
		job.Files = append(job.Files, File{
			ID:    item.Get("id").String(),
			Index: index,
			Name:  item.Get("name").String(),
			Size:  item.Get("size").Int(),
			Link:  item.Get("link").String(),
		})
		index++
	}
	return job, nil
}

// ResolveLink is a pass-through: Premiumize links are playable as-is.
func (c *Premiumize) ResolveLink(ctx context.Context, credential string, link string) (string, error) {
	if link == "" {
		return "", errors.New("Couldn't resolve empty link")
	}
	return link, nil
}

func (c *Premiumize) do(ctx context.Context, credential, method, reqURL string, form url.Values) ([]byte, error) {
	if strings.Contains(reqURL, "?") {
		reqURL += "&apikey=" + url.QueryEscape(credential)
	} else {
		reqURL += "?apikey=" + url.QueryEscape(credential)
	}
	headers := make(map[string]string, len(c.opts.ExtraHeaders)+1)
	for k, v := range c.opts.ExtraHeaders {
		headers[k] = v
	}
	var body []byte
	if form != nil {
		headers["Content-Type"] = "application/x-www-form-urlencoded"
		body = []byte(form.Encode())
	}
	res, err := c.fetcher.Do(ctx, fetch.Request{
		URL:             reqURL,
		Method:          method,
		Headers:         headers,
		Body:            body,
		IgnoreRecursion: true,
	})
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError(ServicePremiumize, res.StatusCode, res.Body)
	}
	// Premiumize wraps errors in a 200 envelope
	if gjson.GetBytes(res.Body, "status").String() == "error" {
		return nil, pmError(res.Body)
	}
	return res.Body, nil
}

func pmFiles(content []gjson.Result) []File {
	files := make([]File, 0, len(content))
	for i, item := range content {
		files = append(files, File{
			ID:    item.Get("path").String(),
			Index: i,
			Name:  path.Base(item.Get("path").String()),
			Size:  item.Get("size").Int(),
			Link:  item.Get("link").String(),
		})
	}
	return files
}

func pmStatus(status string) JobStatus {
	switch status {
	case "finished", "seeding":
		return StatusReady
	case "queued", "waiting":
		return StatusQueued
	case "error", "deleted", "banned", "timeout":
		return StatusFailed
	default:
		return StatusDownloading
	}
}

// pmError maps a Premiumize error envelope. The API has no stable error
// codes, only messages.
func pmError(body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "api key") || strings.Contains(lower, "access token") || strings.Contains(lower, "not logged in"):
		return &Error{Code: CodeUnauthorized, Service: ServicePremiumize, Msg: msg}
	case strings.Contains(lower, "premium"):
		return &Error{Code: CodePaymentRequired, Service: ServicePremiumize, Msg: msg}
	case strings.Contains(lower, "limit"):
		return &Error{Code: CodeStoreLimitExceeded, Service: ServicePremiumize, Msg: msg}
	}
	return fmt.Errorf("Got error response from www.premiumize.me: %s", msg)
}
