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

type AllDebridOptions struct {
	BaseURL string
	// Agent identifies this app to AllDebrid, required on every call.
	Agent        string
	ExtraHeaders map[string]string
}

var DefaultAllDebridOpts = AllDebridOptions{
	BaseURL: "https://api.alldebrid.com",
	Agent:   "streamfusion",
}

// AllDebrid is the api.alldebrid.com client. AllDebrid reports errors in a
// 200 response envelope, so every call checks the envelope status.
type AllDebrid struct {
	opts    AllDebridOptions
	fetcher *fetch.Client
	logger  *zap.Logger
}

var _ Service = (*AllDebrid)(nil)

func NewAllDebrid(opts AllDebridOptions, fetcher *fetch.Client, logger *zap.Logger) (*AllDebrid, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.Agent == "" {
		return nil, errors.New("opts.Agent must not be empty")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher must not be nil")
	}
	return &AllDebrid{opts: opts, fetcher: fetcher, logger: logger}, nil
}

func (c *AllDebrid) ID() ServiceID { return ServiceAllDebrid }

func (c *AllDebrid) CheckAvailability(ctx context.Context, credential string, hashes []string) ([]string, error) {
	// Precondition check
	if len(hashes) == 0 {
		return nil, nil
	}

	data := url.Values{"magnets[]": hashes}
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/v4/magnet/instant", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check instant availability on api.alldebrid.com: %w", err)
	}

	var available []string
	for _, magnet := range gjson.GetBytes(resBytes, "data.magnets").Array() {
		if magnet.Get("instant").Bool() {
			available = append(available, strings.ToLower(magnet.Get("hash").String()))
		}
	}
	return available, nil
}

func (c *AllDebrid) AddMagnet(ctx context.Context, credential string, fi FileInfo) (*Job, error) {
	c.logger.Debug("Adding magnet to AllDebrid...", zap.String("hash", fi.Hash))
	data := url.Values{}
	data.Set("magnets[]", fi.Magnet())
	resBytes, err := c.do(ctx, credential, "POST", c.opts.BaseURL+"/v4/magnet/upload", data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't add magnet to api.alldebrid.com: %w", err)
	}
	jobID := gjson.GetBytes(resBytes, "data.magnets.0.id").String()
	if jobID == "" {
		return nil, fmt.Errorf("Couldn't determine magnet ID in upload response from api.alldebrid.com")
	}
	return c.GetJob(ctx, credential, jobID)
}

func (c *AllDebrid) GetJob(ctx context.Context, credential string, jobID string) (*Job, error) {
	resBytes, err := c.do(ctx, credential, "GET", c.opts.BaseURL+"/v4/magnet/status?id="+url.QueryEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't get magnet status from api.alldebrid.com: %w", err)
	}

	magnet := gjson.GetBytes(resBytes, "data.magnets")
	job := &Job{
		ID:     jobID,
		Status: adStatus(magnet.Get("statusCode").Int()),
		Name:   magnet.Get("filename").String(),
	}
	for i, link := range magnet.Get("links").Array() {
		job.Files = append(job.Files, File{
			ID:    link.Get("link").String(),
			Index: i,
			Name:  link.Get("filename").String(),
			Size:  link.Get("size").Int(),
			Link:  link.Get("link").String(),
		})
	}
	return job, nil
}

func (c *AllDebrid) ResolveLink(ctx context.Context, credential string, link string) (string, error) {
	if link == "" {
		return "", errors.New("Couldn't resolve empty link")
	}
	c.logger.Debug("Unlocking link on AllDebrid...")
	resBytes, err := c.do(ctx, credential, "GET", c.opts.BaseURL+"/v4/link/unlock?link="+url.QueryEscape(link), nil)
	if err != nil {
		return "", fmt.Errorf("Couldn't unlock link on api.alldebrid.com: %w", err)
	}
	streamURL := gjson.GetBytes(resBytes, "data.link").String()
	if streamURL == "" {
		return "", fmt.Errorf("No link in unlock response from api.alldebrid.com")
	}
	return streamURL, nil
}

func (c *AllDebrid) do(ctx context.Context, credential, method, reqURL string, form url.Values) ([]byte, error) {
	if strings.Contains(reqURL, "?") {
		reqURL += "&agent=" + url.QueryEscape(c.opts.Agent) + "&apikey=" + url.QueryEscape(credential)
	} else {
		reqURL += "?agent=" + url.QueryEscape(c.opts.Agent) + "&apikey=" + url.QueryEscape(credential)
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
		return nil, statusError(ServiceAllDebrid, res.StatusCode, res.Body)
	}
	// AllDebrid wraps errors in a 200 envelope
	if gjson.GetBytes(res.Body, "status").String() != "success" {
		return nil, adError(res.Body)
	}
	return res.Body, nil
}

func adStatus(statusCode int64) JobStatus {
	switch {
	case statusCode == 4:
		return StatusReady
	case statusCode == 0:
		return StatusQueued
	case statusCode >= 5:
		return StatusFailed
	default:
		// 1 downloading, 2 compressing, 3 uploading
		return StatusDownloading
	}
}

func adError(body []byte) error {
	code := gjson.GetBytes(body, "error.code").String()
	msg := gjson.GetBytes(body, "error.message").String()
	switch code {
	case "AUTH_MISSING_APIKEY", "AUTH_BAD_APIKEY", "AUTH_MISSING_AGENT":
		return &Error{Code: CodeUnauthorized, Service: ServiceAllDebrid, Msg: msg}
	case "AUTH_BLOCKED", "AUTH_USER_BANNED":
		return &Error{Code: CodeForbidden, Service: ServiceAllDebrid, Msg: msg}
	case "MUST_BE_PREMIUM", "MAGNET_MUST_BE_PREMIUM", "FREE_TRIAL_LIMIT_REACHED":
		return &Error{Code: CodePaymentRequired, Service: ServiceAllDebrid, Msg: msg}
	case "MAGNET_TOO_MANY_ACTIVE", "MAGNET_TOO_MANY":
		return &Error{Code: CodeStoreLimitExceeded, Service: ServiceAllDebrid, Msg: msg}
	case "MAGNET_INVALID_URI", "MAGNET_NO_URI", "MAGNET_INVALID_ID":
		return &Error{Code: CodeMagnetInvalid, Service: ServiceAllDebrid, Msg: msg}
	}
	return fmt.Errorf("Got error response from api.alldebrid.com: %s (%s)", msg, code)
}
