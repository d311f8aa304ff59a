package debrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"github.com/doingodswork/streamfusion/pkg/lock"
)

// ResolveRequest is everything the playback handler knows about one click.
type ResolveRequest struct {
	Auth     StoreAuth
	FileInfo FileInfo
	// Meta drives file picking inside multi-file content.
	Meta Metadata
	// Filename is the name the stream list advertised, a picking hint.
	Filename string
	// ClientIP is forwarded to services that bind links to the caller's IP.
	ClientIP string
}

type ResolverOptions struct {
	// PerServiceLimit bounds concurrent resolutions per service, respecting
	// provider rate limits independently of the HTTP server's concurrency.
	PerServiceLimit int64
	// ResolveTimeout is the total budget for one resolution, including the
	// cache-and-play wait. It's also the single-flight lock TTL.
	ResolveTimeout time.Duration
	// WaitTimeout is how long cache-and-play waits for an uncached download.
	WaitTimeout time.Duration
	// ReadyTimeout is how long cached content may take to report ready
	// after the job is created.
	ReadyTimeout time.Duration
	PollInterval time.Duration
	// ResultTTL is how long a resolution outcome is replayed to concurrent
	// clicks on the same content. Kept short: it's stampede protection, not
	// a link cache.
	ResultTTL time.Duration
	// OAuth overrides the built-in OAuth2 client configs per service, for
	// deployments with their own client ID and secret.
	OAuth map[ServiceID]oauth2.Config
}

var DefaultResolverOpts = ResolverOptions{
	PerServiceLimit: 4,
	ResolveTimeout:  90 * time.Second,
	WaitTimeout:     45 * time.Second,
	ReadyTimeout:    15 * time.Second,
	PollInterval:    5 * time.Second,
	ResultTTL:       15 * time.Second,
}

// Resolver runs the click-time state machine: check availability, add the
// job, pick the file, unrestrict the link. Concurrent clicks on the same
// (service, hash, index) share one in-flight resolution.
type Resolver struct {
	services map[ServiceID]Service
	sems     map[ServiceID]*semaphore.Weighted
	locker   lock.Locker
	opts     ResolverOptions
	logger   *zap.Logger
}

func NewResolver(services []Service, locker lock.Locker, opts ResolverOptions, logger *zap.Logger) (*Resolver, error) {
	// Precondition check
	if len(services) == 0 {
		return nil, errors.New("services must not be empty")
	}
	if locker == nil {
		return nil, errors.New("locker must not be nil")
	}
	if opts.PerServiceLimit < 1 {
		return nil, errors.New("opts.PerServiceLimit must be at least 1")
	}
	if opts.ResolveTimeout <= opts.WaitTimeout {
		return nil, errors.New("opts.ResolveTimeout must exceed opts.WaitTimeout")
	}

	byID := make(map[ServiceID]Service, len(services))
	sems := make(map[ServiceID]*semaphore.Weighted, len(services))
	for _, svc := range services {
		if _, exists := byID[svc.ID()]; exists {
			return nil, fmt.Errorf("duplicate client for service %q", svc.ID())
		}
		byID[svc.ID()] = svc
		sems[svc.ID()] = semaphore.NewWeighted(opts.PerServiceLimit)
	}
	return &Resolver{
		services: byID,
		sems:     sems,
		locker:   locker,
		opts:     opts,
		logger:   logger,
	}, nil
}

// resolveResult is the single-flight envelope. Coded outcomes are shared
// with waiters the same way successes are, so a stampede of clicks on a
// still-downloading torrent produces one upstream poll, not N.
type resolveResult struct {
	URL  string `json:"url,omitempty"`
	Code Code   `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

// Resolve returns the playable URL for a click, or a coded *Error that the
// caller maps to a placeholder video.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (string, error) {
	svc, found := r.services[req.Auth.ID]
	if !found {
		return "", fmt.Errorf("no client configured for debrid service %q", req.Auth.ID)
	}
	if req.ClientIP != "" {
		ctx = withOriginIP(ctx, req.ClientIP)
	}

	key := fmt.Sprintf("debrid:%s:%s:%d", req.Auth.ID, req.FileInfo.Hash, req.FileInfo.Index)
	producer := func(ctx context.Context) ([]byte, error) {
		streamURL, err := r.resolve(ctx, svc, req)
		if err != nil {
			var de *Error
			if errors.As(err, &de) {
				return json.Marshal(resolveResult{Code: de.Code, Msg: de.Msg})
			}
			return nil, err
		}
		return json.Marshal(resolveResult{URL: streamURL})
	}

	outcome, err := r.locker.WithLock(ctx, key, producer, lock.Options{
		TTL:       r.opts.ResolveTimeout,
		Timeout:   r.opts.ResolveTimeout + 5*time.Second,
		ResultTTL: r.opts.ResultTTL,
	})
	if err != nil {
		return "", err
	}
	if outcome.Cached {
		r.logger.Debug("Reused in-flight resolution", zap.String("key", key))
	}

	var res resolveResult
	if err = json.Unmarshal(outcome.Result, &res); err != nil {
		return "", fmt.Errorf("Couldn't unmarshal resolve result: %v", err)
	}
	if res.Code != "" {
		return "", &Error{Code: res.Code, Service: req.Auth.ID, Msg: res.Msg}
	}
	return res.URL, nil
}

func (r *Resolver) resolve(ctx context.Context, svc Service, req ResolveRequest) (string, error) {
	zapFieldService := zap.String("service", string(svc.ID()))
	zapFieldHash := zap.String("hash", req.FileInfo.Hash)

	credential, err := r.bearerToken(ctx, svc.ID(), req.Auth.Credential)
	if err != nil {
		return "", err
	}

	sem := r.sems[svc.ID()]
	if err = sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("Couldn't acquire service slot: %v", err)
	}
	defer sem.Release(1)

	// CHECK. A transient availability failure isn't fatal: adding the
	// content reveals the truth. A coded failure (bad credential) is.
	cached := false
	available, err := svc.CheckAvailability(ctx, credential, []string{req.FileInfo.Hash})
	switch {
	case err == nil:
		cached = len(available) > 0
	case isCoded(err):
		return "", err
	default:
		r.logger.Warn("Couldn't check availability, treating as uncached", zap.Error(err), zapFieldService, zapFieldHash)
	}
	r.logger.Debug("Checked availability", zap.Bool("cached", cached), zapFieldService, zapFieldHash)

	// ADD
	job, err := svc.AddMagnet(ctx, credential, req.FileInfo)
	if err != nil {
		return "", serviceError(svc.ID(), err)
	}

	if job.Status == StatusSelectionRequired {
		if job, err = r.selectFile(ctx, svc, credential, job, req); err != nil {
			return "", serviceError(svc.ID(), err)
		}
	}

	if job, err = r.awaitReady(ctx, svc, credential, job, cached, req.FileInfo.CacheAndPlay); err != nil {
		return "", serviceError(svc.ID(), err)
	}

	// PICK_FILE. When the service exposed links for a subset of the files
	// (RealDebrid only links selected files), only those are playable.
	pickJob := job
	if linked := linkedFiles(job.Files); len(linked) > 0 && len(linked) < len(job.Files) {
		pickJob = &Job{ID: job.ID, Status: job.Status, Name: job.Name, Files: linked}
	}
	file, err := pickFile(pickJob, req.FileInfo, req.Meta, req.Filename)
	if err != nil {
		return "", serviceError(svc.ID(), err)
	}
	r.logger.Debug("Picked file", zap.String("file", file.Name), zap.Int("index", file.Index), zapFieldService, zapFieldHash)

	// RESOLVE
	streamURL, err := svc.ResolveLink(ctx, credential, file.Link)
	if err != nil {
		return "", serviceError(svc.ID(), err)
	}
	return streamURL, nil
}

// selectFile runs the explicit selection step for services that require it,
// picking the file with the same rubric used on ready jobs.
func (r *Resolver) selectFile(ctx context.Context, svc Service, credential string, job *Job, req ResolveRequest) (*Job, error) {
	selector, ok := svc.(FileSelector)
	if !ok {
		return nil, fmt.Errorf("service %q requires file selection but its client can't select", svc.ID())
	}
	file, err := pickFile(job, req.FileInfo, req.Meta, req.Filename)
	if err != nil {
		return nil, err
	}
	if err = selector.SelectFiles(ctx, credential, job.ID, []string{file.ID}); err != nil {
		return nil, err
	}
	return svc.GetJob(ctx, credential, job.ID)
}

// awaitReady is the IN_PROGRESS handling: cached content gets a short grace
// period to report ready, uncached content either waits (cache-and-play) or
// maps straight to DOWNLOADING.
func (r *Resolver) awaitReady(ctx context.Context, svc Service, credential string, job *Job, cached, cacheAndPlay bool) (*Job, error) {
	if job.Status == StatusFailed {
		return nil, &Error{Code: CodeUnprocessableEntity, Msg: fmt.Sprintf("job %s failed on the service", job.ID)}
	}
	if job.Status == StatusReady {
		return job, nil
	}

	var budget time.Duration
	switch {
	case cached:
		budget = r.opts.ReadyTimeout
	case cacheAndPlay:
		budget = r.opts.WaitTimeout
	default:
		return nil, &Error{Code: CodeDownloading, Msg: "content is not cached yet"}
	}

	deadline := time.Now().Add(budget)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
		refreshed, err := svc.GetJob(ctx, credential, job.ID)
		if err != nil {
			return nil, err
		}
		job = refreshed
		switch job.Status {
		case StatusReady:
			return job, nil
		case StatusFailed:
			return nil, &Error{Code: CodeUnprocessableEntity, Msg: fmt.Sprintf("job %s failed on the service", job.ID)}
		}
		if time.Now().After(deadline) {
			return nil, &Error{Code: CodeDownloading, Msg: "content didn't become ready in time"}
		}
	}
}

func (r *Resolver) bearerToken(ctx context.Context, id ServiceID, credential string) (string, error) {
	if conf, found := r.opts.OAuth[id]; found {
		return bearerToken(ctx, id, credential, &conf)
	}
	return BearerToken(ctx, id, credential)
}

func isCoded(err error) bool {
	var de *Error
	return errors.As(err, &de)
}

func linkedFiles(files []File) []File {
	var linked []File
	for _, f := range files {
		if f.Link != "" {
			linked = append(linked, f)
		}
	}
	return linked
}

// serviceError stamps coded errors with the service they came from.
func serviceError(id ServiceID, err error) error {
	var de *Error
	if errors.As(err, &de) && de.Service == "" {
		de.Service = id
	}
	return err
}

type originIPKey struct{}

// withOriginIP attaches the requesting player's IP for clients that pass
// it on (some services route or bind download links by caller IP).
func withOriginIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, originIPKey{}, ip)
}

func originIP(ctx context.Context) string {
	ip, _ := ctx.Value(originIPKey{}).(string)
	return ip
}
