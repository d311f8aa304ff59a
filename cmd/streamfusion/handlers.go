package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/aggregator"
	"github.com/doingodswork/streamfusion/pkg/debrid"
	"github.com/doingodswork/streamfusion/pkg/metadata"
	"github.com/doingodswork/streamfusion/pkg/stremio"
	"github.com/doingodswork/streamfusion/pkg/user"
)

func healthHandler(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// createManifestHandler serves both the unconfigured manifest (which tells
// Stremio that configuration is required) and the personalized one.
func createManifestHandler(base stremio.Manifest, loader *configLoader, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		manifest := base
		udString := c.Params("userData", "")
		if udString == "" {
			manifest.BehaviorHints.ConfigurationRequired = true
			return c.JSON(manifest)
		}

		userCfg, err := loader.load(c.Context(), udString)
		if err != nil {
			return configError(c, err, logger)
		}
		manifest.Description = fmt.Sprintf("%s Currently aggregating %d addon(s).", manifest.Description, len(userCfg.Addons))
		return c.JSON(manifest)
	}
}

func createStreamHandler(aggr *aggregator.Aggregator, loader *configLoader, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userCfg, err := loader.load(c.Context(), c.Params("userData", ""))
		if err != nil {
			return configError(c, err, logger)
		}

		id := c.Params("id", "")
		if unescaped, err := url.PathUnescape(id); err == nil {
			id = unescaped
		}
		req := aggregator.Request{
			Type:      c.Params("type", ""),
			ID:        id,
			ForwardIP: clientIP(c),
		}

		streams, err := aggr.Streams(c.Context(), req, userCfg)
		if err != nil {
			logger.Error("Couldn't aggregate streams", zap.Error(err), zap.String("type", req.Type), zap.String("id", req.ID))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if streams == nil {
			// Stremio expects an empty array, not null
			streams = []stremio.Stream{}
		}
		return c.JSON(stremio.StreamResponse{Streams: streams})
	}
}

// createPlaybackHandler resolves clicks on delivered streams: 307 to the
// playable URL on success, 302 to a placeholder video for coded debrid
// outcomes (including DOWNLOADING, where the content just isn't ready yet).
func createPlaybackHandler(resolver *debrid.Resolver, crypter *debrid.Crypter, metaStore *metadata.Store, baseURL string, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth, err := debrid.DecodeStoreAuth(crypter, c.Params("auth", ""))
		if err != nil {
			logger.Warn("Couldn't decode store auth of playback URL", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		fi, err := debrid.DecodeFileInfo(c.Params("fileInfo", ""))
		if err != nil {
			logger.Warn("Couldn't decode file info of playback URL", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}

		metadataID := c.Params("metadataID", "")
		title, found, err := metaStore.Get(c.Context(), metadataID)
		if err != nil {
			logger.Error("Couldn't read metadata for playback", zap.Error(err), zap.String("metadataID", metadataID))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		if !found {
			// The playback URL outlived its metadata. The player needs a
			// fresh stream list.
			logger.Info("Playback URL references unknown metadata", zap.String("metadataID", metadataID))
			return c.SendStatus(fiber.StatusNotFound)
		}

		filename := c.Params("filename", "")
		if unescaped, err := url.PathUnescape(filename); err == nil {
			filename = unescaped
		}

		streamURL, err := resolver.Resolve(c.Context(), debrid.ResolveRequest{
			Auth:     auth,
			FileInfo: fi,
			Meta: debrid.Metadata{
				Titles:          title.Titles,
				Year:            title.Year,
				Season:          title.Season,
				Episode:         title.Episode,
				AbsoluteEpisode: title.AbsoluteEpisode,
			},
			Filename: filename,
			ClientIP: clientIP(c),
		})
		if err != nil {
			if code, ok := debrid.CodeOf(err); ok {
				if code == debrid.CodeDownloading {
					logger.Info("Content is still downloading, redirecting playback to placeholder", zap.String("service", string(auth.ID)))
				} else {
					logger.Warn("Redirecting playback to placeholder", zap.String("code", string(code)), zap.String("service", string(auth.ID)), zap.Error(err))
				}
				c.Set(fiber.HeaderLocation, debrid.PlaceholderURL(baseURL, code))
				return c.SendStatus(fiber.StatusFound)
			}
			logger.Error("Couldn't resolve playback", zap.Error(err), zap.String("service", string(auth.ID)))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		c.Set(fiber.HeaderLocation, streamURL)
		return c.SendStatus(fiber.StatusTemporaryRedirect)
	}
}

// userRequest is the body of the user save endpoints.
type userRequest struct {
	Password string          `json:"password"`
	Config   json.RawMessage `json:"config"`
}

// createUserCreateHandler saves a config under a fresh UUID. The submitted
// config is validated like any other, but stored as submitted: deployment
// overrides apply at read time, so operators can change them later.
func createUserCreateHandler(users *user.Store, loader *configLoader, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if users == nil {
			return c.SendStatus(fiber.StatusNotImplemented)
		}
		var req userRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		if req.Password == "" || len(req.Config) == 0 {
			return c.Status(fiber.StatusBadRequest).SendString("password and config must not be empty")
		}
		if _, err := loader.parse(req.Config); err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}

		id, err := users.Create(c.Context(), req.Password, req.Config)
		if err != nil {
			logger.Error("Couldn't create user", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
	}
}

func createUserUpdateHandler(users *user.Store, loader *configLoader, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if users == nil {
			return c.SendStatus(fiber.StatusNotImplemented)
		}
		var req userRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		if req.Password == "" || len(req.Config) == 0 {
			return c.Status(fiber.StatusBadRequest).SendString("password and config must not be empty")
		}
		if _, err := loader.parse(req.Config); err != nil {
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		}

		err := users.UpdateConfig(c.Context(), c.Params("id", ""), req.Password, req.Config)
		switch {
		case errors.Is(err, user.ErrUserNotFound):
			return c.SendStatus(fiber.StatusNotFound)
		case errors.Is(err, user.ErrWrongPassword):
			return c.SendStatus(fiber.StatusUnauthorized)
		case err != nil:
			logger.Error("Couldn't update user config", zap.Error(err))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// configError maps a user data failure to a response. Validation problems
// render as text so the user can fix their config; auth problems map to
// their status codes.
func configError(c *fiber.Ctx, err error, logger *zap.Logger) error {
	switch {
	case errors.Is(err, user.ErrUserNotFound), errors.Is(err, user.ErrWrongPassword):
		return c.SendStatus(fiber.StatusUnauthorized)
	case errors.Is(err, errNoUserStore):
		return c.SendStatus(fiber.StatusNotImplemented)
	}
	logger.Debug("Rejecting invalid user config", zap.Error(err))
	return c.Status(fiber.StatusBadRequest).SendString(err.Error())
}

// clientIP is the player's IP as far as we can tell: the first entry of
// X-Forwarded-For when a reverse proxy forwarded the request, else the peer
// address.
func clientIP(c *fiber.Ctx) string {
	if ips := c.IPs(); len(ips) > 0 {
		return strings.TrimSpace(ips[0])
	}
	return c.IP()
}
