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

type RealDebridOptions struct {
	BaseURL      string
	ExtraHeaders map[string]string
}

var DefaultRealDebridOpts = RealDebridOptions{
	BaseURL: "https://api.real-debrid.com/rest/1.0",
}

// RealDebrid is the api.real-debrid.com client. RealDebrid is the only
// supported service with an explicit file selection step: a torrent only
// starts (or surfaces its cached files) after selectFiles.
type RealDebrid struct {
	opts    RealDebridOptions
	fetcher *fetch.Client
	logger  *zap.Logger
}

var (
	_ Service      = (*RealDebrid)(nil)
	_ FileSelector = (*RealDebrid)(nil)
)

func NewRealDebrid(opts RealDebridOptions, fetcher *fetch.Client, logger *zap.Logger) (*RealDebrid, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	return &RealDebrid{opts: opts, fetcher: fetcher, logger: logger}, nil
}

func (c *RealDebrid) ID() ServiceID { return ServiceRealDebrid }

func (c *RealDebrid) CheckAvailability(ctx context.Context, credential string, hashes []string) ([]string, error) {
	// Precondition check
	if len(hashes) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(hashes))
	for i, hash := range hashes {
		lowered[i] = strings.ToLower(hash)
	}
	resBytes, err := c.do(ctx, credential, "GET", c.opts.BaseURL+"/torrents/instantAvailability/"+strings.Join(lowered, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check instant availability on real-debrid.com: %w", err)
	}

	var available []string
	parsed := gjson.ParseBytes(resBytes)
	for _, hash := range lowered {
		for _, variant := range parsed.Get(hash + ".rd").Array() {
			// A variant is a map of file ID to file info; an empty one
			// doesn't prove anything is cached.
			if len(variant.Map()) > 0 {
				available = append(available, hash)
				break
			}
		}
	}
	return available, nil
}

func (c *RealDebrid) AddMagnet(ctx context.Context, credential string, fi FileInfo) (*Job, error) {
	c.logger.Debug("Adding magnet to RealDebrid...", zap.String("hash", fi.Hash))
	data := url.Values{}
	data.Set("magnet", fi.Magnet())
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/torrents/addMagnet", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't add magnet to real-debrid.com: %w", err)
	}
	jobID := gjson.GetBytes(resBytes, "id").String()
	if jobID == "" {
		return nil, fmt.Errorf("Couldn't determine torrent ID in addMagnet response from real-debrid.com")
	}
	return c.GetJob(ctx, credential, jobID)
}

func (c *RealDebrid) GetJob(ctx context.Context, credential string, jobID string) (*Job, error) {
	resBytes, err := c.do(ctx, credential, "GET", c.opts.BaseURL+"/torrents/info/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't get torrent info from real-debrid.com: %w", err)
	}

	parsed := gjson.ParseBytes(resBytes)
	job := &Job{
		ID:     jobID,
		Status: rdStatus(parsed.Get("status").String()),
		Name:   parsed.Get("filename").String(),
	}

	// Links parallel the *selected* files in order.
	links := parsed.Get("links").Array()
	selected := 0
	for i, f := range parsed.Get("files").Array() {
		file := File{
			ID:    f.Get("id").String(),
			Index: i,
			Name:  path.Base(f.Get("path").String()),
			Size:  f.Get("bytes").Int(),
		}
		if f.Get("selected").Int() == 1 {
			if selected < len(links) {
				file.Link = links[selected].String()
			}
			selected++
		}
		job.Files = append(job.Files, file)
	}
	return job, nil
}

func (c *RealDebrid) SelectFiles(ctx context.Context, credential string, jobID string, fileIDs []string) error {
	c.logger.Debug("Selecting files on RealDebrid...", zap.String("torrentID", jobID), zap.Strings("fileIDs", fileIDs))
	data := url.Values{}
	data.Set("files", strings.Join(fileIDs, ","))
	if _, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/torrents/selectFiles/"+jobID, data); err != nil {
		return fmt.Errorf("Couldn't select files on real-debrid.com: %w", err)
	}
	return nil
}

func (c *RealDebrid) ResolveLink(ctx context.Context, credential string, link string) (string, error) {
	if link == "" {
		return "", errors.New("Couldn't resolve empty link")
	}
	c.logger.Debug("Unrestricting link on RealDebrid...")
	data := url.Values{}
	data.Set("link", link)
	if ip := originIP(ctx); ip != "" {
		data.Set("ip", ip)
	}
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/unrestrict/link", data)
	if err != nil {
		return "", fmt.Errorf("Couldn't unrestrict link on real-debrid.com: %w", err)
	}
	streamURL := gjson.GetBytes(resBytes, "download").String()
	if streamURL == "" {
		return "", fmt.Errorf("No download URL in unrestrict response from real-debrid.com")
	}
	return streamURL, nil
}

func (c *RealDebrid) do(ctx context.Context, credential, method, reqURL string, form url.Values) ([]byte, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + credential,
	}
	for k, v := range c.opts.ExtraHeaders {
		headers[k] = v
	}
	var body []byte
	if form != nil {
		headers["Content-Type"] = "application/x-www-form-urlencoded"
		body = []byte(form.Encode())
	}
	// Polling hits the same URL repeatedly, which is exactly what the
	// recursion guard exists to flag elsewhere.
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
		return nil, rdError(res.StatusCode, res.Body)
	}
	return res.Body, nil
}

func rdStatus(status string) JobStatus {
	switch status {
	case "downloaded":
		return StatusReady
	case "waiting_files_selection":
		return StatusSelectionRequired
	case "magnet_error", "error", "virus", "dead":
		return StatusFailed
	case "queued", "magnet_conversion":
		return StatusQueued
	default:
		// downloading, uploading, compressing
		return StatusDownloading
	}
}

// rdError prefers RealDebrid's own error_code over the HTTP status.
func rdError(status int, body []byte) error {
	if code := gjson.GetBytes(body, "error_code"); code.Exists() {
		msg := gjson.GetBytes(body, "error").String()
		switch code.Int() {
		case 8: // bad_token
			return &Error{Code: CodeUnauthorized, Service: ServiceRealDebrid, Msg: msg}
		case 9, 14: // permission_denied, account_locked
			return &Error{Code: CodeForbidden, Service: ServiceRealDebrid, Msg: msg}
		case 21: // too_many_active_downloads
			return &Error{Code: CodeStoreLimitExceeded, Service: ServiceRealDebrid, Msg: msg}
		case 35: // infringing_file
			return &Error{Code: CodeLegalBlock, Service: ServiceRealDebrid, Msg: msg}
		}
	}
	return statusError(ServiceRealDebrid, status, body)
}
