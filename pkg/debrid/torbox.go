package debrid

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/fetch"
)

type TorBoxOptions struct {
	BaseURL      string
	ExtraHeaders map[string]string
}

var DefaultTorBoxOpts = TorBoxOptions{
	BaseURL: "https://api.torbox.app/v1/api",
}

// TorBox is the api.torbox.app client, the only supported service that
// handles usenet content besides torrents. Job IDs carry their family as a
// "torrent:123" / "usenet:123" prefix because the two live in separate API
// trees.
type TorBox struct {
	opts    TorBoxOptions
	fetcher *fetch.Client
	logger  *zap.Logger
}

var _ Service = (*TorBox)(nil)

func NewTorBox(opts TorBoxOptions, fetcher *fetch.Client, logger *zap.Logger) (*TorBox, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	return &TorBox{opts: opts, fetcher: fetcher, logger: logger}, nil
}

func (c *TorBox) ID() ServiceID { return ServiceTorBox }

func (c *TorBox) CheckAvailability(ctx context.Context, credential string, hashes []string) ([]string, error) {
	// Precondition check
	if len(hashes) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(hashes))
	for i, hash := range hashes {
		lowered[i] = strings.ToLower(hash)
	}
	reqURL := c.opts.BaseURL + "/torrents/checkcached?format=object&hash=" + url.QueryEscape(strings.Join(lowered, ","))
	resBytes, err := c.do(ctx, credential, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check cache on api.torbox.app: %w", err)
	}

	var available []string
	data := gjson.GetBytes(resBytes, "data")
	for _, hash := range lowered {
		if entry := data.Get(hash); entry.Exists() && entry.Type != gjson.False {
			available = append(available, hash)
		}
	}
	return available, nil
}

func (c *TorBox) AddMagnet(ctx context.Context, credential string, fi FileInfo) (*Job, error) {
	if fi.Type == FileTypeUsenet {
		return c.addUsenet(ctx, credential, fi)
	}

	c.logger.Debug("Adding torrent to TorBox...", zap.String("hash", fi.Hash))
	data := url.Values{}
	data.Set("magnet", fi.Magnet())
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/torrents/createtorrent", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't add torrent to api.torbox.app: %w", err)
	}
	id := gjson.GetBytes(resBytes, "data.torrent_id").String()
	if id == "" {
		// Duplicates report the existing download under queued_id
		id = gjson.GetBytes(resBytes, "data.queued_id").String()
	}
	if id == "" {
		return nil, fmt.Errorf("Couldn't determine torrent ID in create response from api.torbox.app")
	}
	return c.GetJob(ctx, credential, "torrent:"+id)
}

func (c *TorBox) addUsenet(ctx context.Context, credential string, fi FileInfo) (*Job, error) {
	c.logger.Debug("Adding usenet download to TorBox...", zap.String("hash", fi.Hash))
	data := url.Values{}
	data.Set("link", fi.NZB)
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/usenet/createusenetdownload", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't add usenet download to api.torbox.app: %w", err)
	}
	id := gjson.GetBytes(resBytes, "data.usenetdownload_id").String()
	if id == "" {
		return nil, fmt.Errorf("Couldn't determine usenet download ID in create response from api.torbox.app")
	}
	return c.GetJob(ctx, credential, "usenet:"+id)
}

func (c *TorBox) GetJob(ctx context.Context, credential string, jobID string) (*Job, error) {
	family, id, err := splitTorBoxJobID(jobID)
	if err != nil {
		return nil, err
	}
	reqURL := fmt.Sprintf("%s/%s/mylist?id=%s&bypass_cache=true", c.opts.BaseURL, family, url.QueryEscape(id))
	resBytes, err := c.do(ctx, credential, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't get download info from api.torbox.app: %w", err)
	}

	data := gjson.GetBytes(resBytes, "data")
	job := &Job{
		ID:     jobID,
		Status: tbStatus(data),
		Name:   data.Get("name").String(),
	}
	idParam := "torrent_id"
	if family == "usenet" {
		idParam = "usenet_id"
	}
	for i, f := range data.Get("files").Array() {
		name := f.Get("short_name").String()
		if name == "" {
			name = f.Get("name").String()
		}
		job.Files = append(job.Files, File{
			ID:    f.Get("id").String(),
			Index: i,
			Name:  name,
			Size:  f.Get("size").Int(),
			// requestdl URL without the token; ResolveLink adds it
			Link: fmt.Sprintf("%s/%s/requestdl?%s=%s&file_id=%s", c.opts.BaseURL, family, idParam, url.QueryEscape(id), url.QueryEscape(f.Get("id").String())),
		})
	}
	return job, nil
}

func (c *TorBox) ResolveLink(ctx context.Context, credential string, link string) (string, error) {
	if link == "" {
		return "", errors.New("Couldn't resolve empty link")
	}
	c.logger.Debug("Requesting download link from TorBox...")
	resBytes, err := c.do(ctx, credential, "GET", link+"&token="+url.QueryEscape(credential), nil)
	if err != nil {
		return "", fmt.Errorf("Couldn't request download link from api.torbox.app: %w", err)
	}
	streamURL := gjson.GetBytes(resBytes, "data").String()
	if streamURL == "" {
		return "", fmt.Errorf("No download URL in requestdl response from api.torbox.app")
	}
	return streamURL, nil
}

func (c *TorBox) do(ctx context.Context, credential, method, reqURL string, form url.Values) ([]byte, error) {
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
		return nil, tbError(res.StatusCode, res.Body)
	}
	// TorBox reports some errors in a 200 envelope
	if success := gjson.GetBytes(res.Body, "success"); success.Exists() && !success.Bool() {
		return nil, tbError(res.StatusCode, res.Body)
	}
	return res.Body, nil
}

func splitTorBoxJobID(jobID string) (family, id string, err error) {
	family, id, found := strings.Cut(jobID, ":")
	if !found || (family != "torrents" && family != "torrent" && family != "usenet") || id == "" {
		return "", "", fmt.Errorf("malformed TorBox job ID %q", jobID)
	}
	if family == "torrent" {
		family = "torrents"
	}
	return family, id, nil
}

func tbStatus(data gjson.Result) JobStatus {
	if data.Get("download_finished").Bool() && data.Get("download_present").Bool() {
		return StatusReady
	}
	switch data.Get("download_state").String() {
	case "failed", "error":
		return StatusFailed
	case "queued", "metaDL":
		return StatusQueued
	default:
		return StatusDownloading
	}
}

func tbError(status int, body []byte) error {
	code := gjson.GetBytes(body, "error").String()
	msg := gjson.GetBytes(body, "detail").String()
	if msg == "" {
		msg = code
	}
	switch code {
	case "BAD_TOKEN", "AUTH_ERROR", "NO_AUTH", "MISSING_TOKEN":
		return &Error{Code: CodeUnauthorized, Service: ServiceTorBox, Msg: msg}
	case "PLAN_RESTRICTED_FEATURE", "MONTHLY_LIMIT":
		return &Error{Code: CodePaymentRequired, Service: ServiceTorBox, Msg: msg}
	case "ACTIVE_LIMIT", "COOLDOWN_LIMIT":
		return &Error{Code: CodeStoreLimitExceeded, Service: ServiceTorBox, Msg: msg}
	}
	if code != "" {
		return fmt.Errorf("Got error response from api.torbox.app: %s (%s)", msg, code)
	}
	return statusError(ServiceTorBox, status, body)
}
