// Admin HTTP handlers.
//
//   - GET/PUT /guilds/{guild_id}/settings
//   - GET     /guilds/{guild_id}/access?owner_id=
//   - POST    /guilds/{guild_id}/access
//   - DELETE  /guilds/{guild_id}/access/{owner_id}/{target_id}
//   - GET     /channels?guild_id=
//   - POST    /reconcile
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/http/middleware"
)

// GrantBody is the JSON payload for a permanent access grant.
type GrantBody struct {
	OwnerID    string               `json:"owner_id"    binding:"required"`
	TargetID   string               `json:"target_id"   binding:"required"`
	TargetType domain.OverwriteType `json:"target_type" example:"member"`
}

// ChannelsResponse is a registry snapshot.
type ChannelsResponse struct {
	Channels []domain.ChannelRecord `json:"channels"`
	Count    int                    `json:"count"`
}

func (h *Handlers) unavailable(c *gin.Context, what string) {
	fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, what+" is not available")
}

// GetSettings godoc
// @ID          getGuildSettings
// @Summary     Get guild settings
// @Tags        Guilds
// @Produce     json
// @Param       guild_id  path      string  true  "Guild ID"
// @Success     200       {object}  domain.GuildSettings
// @Failure     404       {object}  handlers.ErrorResponse
// @Router      /guilds/{guild_id}/settings [get]
func (h *Handlers) GetSettings(c *gin.Context) {
	if h.d.Settings == nil {
		h.unavailable(c, "settings")
		return
	}
	gs, err := h.d.Settings.Get(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, gs)
}

// PutSettings godoc
// @ID          putGuildSettings
// @Summary     Replace guild settings
// @Description Stores interface channels and categories for the guild. The path guild id wins over the body.
// @Tags        Guilds
// @Accept      json
// @Produce     json
// @Param       guild_id  path      string                true  "Guild ID"
// @Param       body      body      domain.GuildSettings  true  "Settings"
// @Success     200       {object}  domain.GuildSettings
// @Failure     400       {object}  handlers.ErrorResponse
// @Router      /guilds/{guild_id}/settings [put]
func (h *Handlers) PutSettings(c *gin.Context) {
	if h.d.Settings == nil {
		h.unavailable(c, "settings")
		return
	}
	var gs domain.GuildSettings
	if !bindJSON(c, &gs, "invalid JSON body") {
		return
	}
	gs.GuildID = strings.TrimSpace(c.Param("guild_id"))
	if err := h.d.Settings.Save(c.Request.Context(), &gs); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	middleware.LoggerFrom(c).Info().Str("guild_id", gs.GuildID).Str("operator", middleware.Operator(c)).Msg("guild settings saved")
	ok(c, http.StatusOK, gs)
}

// ListGrants godoc
// @ID          listGrants
// @Summary     List an owner's permanent access grants
// @Tags        Guilds
// @Produce     json
// @Param       guild_id  path      string  true  "Guild ID"
// @Param       owner_id  query     string  true  "Owner user ID"
// @Success     200       {array}   domain.PermanentAccess
// @Failure     400       {object}  handlers.ErrorResponse
// @Router      /guilds/{guild_id}/access [get]
func (h *Handlers) ListGrants(c *gin.Context) {
	if h.d.Access == nil {
		h.unavailable(c, "access")
		return
	}
	owner := strings.TrimSpace(c.Query("owner_id"))
	if owner == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "owner_id is required")
		return
	}
	out, err := h.d.Access.List(c.Request.Context(), c.Param("guild_id"), owner)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, out)
}

// CreateGrant godoc
// @ID          createGrant
// @Summary     Add a permanent access grant
// @Description The grant is applied to every channel the owner provisions from now on.
// @Tags        Guilds
// @Accept      json
// @Produce     json
// @Param       guild_id  path      string             true  "Guild ID"
// @Param       body      body      handlers.GrantBody true  "Grant"
// @Success     201       {object}  domain.PermanentAccess
// @Failure     400       {object}  handlers.ErrorResponse
// @Failure     409       {object}  handlers.ErrorResponse
// @Router      /guilds/{guild_id}/access [post]
func (h *Handlers) CreateGrant(c *gin.Context) {
	if h.d.Access == nil {
		h.unavailable(c, "access")
		return
	}
	var body GrantBody
	if !bindJSON(c, &body, "owner_id and target_id are required") {
		return
	}
	g, err := h.d.Access.Grant(c.Request.Context(), domain.PermanentAccess{
		GuildID:    c.Param("guild_id"),
		OwnerID:    body.OwnerID,
		TargetID:   body.TargetID,
		TargetType: domain.OverwriteType(strings.ToLower(string(body.TargetType))),
	})
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusCreated, g)
}

// DeleteGrant godoc
// @ID          deleteGrant
// @Summary     Revoke a permanent access grant
// @Tags        Guilds
// @Param       guild_id   path  string  true  "Guild ID"
// @Param       owner_id   path  string  true  "Owner user ID"
// @Param       target_id  path  string  true  "Target user or role ID"
// @Success     204
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /guilds/{guild_id}/access/{owner_id}/{target_id} [delete]
func (h *Handlers) DeleteGrant(c *gin.Context) {
	if h.d.Access == nil {
		h.unavailable(c, "access")
		return
	}
	if err := h.d.Access.Revoke(c.Request.Context(), c.Param("guild_id"), c.Param("owner_id"), c.Param("target_id")); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

// ListChannels godoc
// @ID          listChannels
// @Summary     Registry snapshot of provisioned channels
// @Tags        Channels
// @Produce     json
// @Param       guild_id  query     string  false  "Restrict to one guild"
// @Success     200       {object}  handlers.ChannelsResponse
// @Router      /channels [get]
func (h *Handlers) ListChannels(c *gin.Context) {
	if h.d.Channels == nil {
		h.unavailable(c, "channel registry")
		return
	}
	var recs []domain.ChannelRecord
	if g := strings.TrimSpace(c.Query("guild_id")); g != "" {
		recs = h.d.Channels.Guild(g)
	} else {
		recs = h.d.Channels.All()
	}
	ok(c, http.StatusOK, ChannelsResponse{Channels: recs, Count: len(recs)})
}

// TriggerReconcile godoc
// @ID          triggerReconcile
// @Summary     Run a reconciliation sweep now
// @Description Blocks until the sweep finishes; concurrent calls are serialized with the periodic sweep.
// @Tags        Channels
// @Produce     json
// @Success     200  {object}  reconcile.Report
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /reconcile [post]
func (h *Handlers) TriggerReconcile(c *gin.Context) {
	if h.d.Reconciler == nil {
		h.unavailable(c, "reconciler")
		return
	}
	rep, err := h.d.Reconciler.Sweep(c.Request.Context())
	if err != nil {
		failService(c, err, ErrCodeSweepFailed)
		return
	}
	middleware.LoggerFrom(c).Info().Int("checked", rep.Checked).Str("operator", middleware.Operator(c)).Msg("manual sweep")
	ok(c, http.StatusOK, rep)
}
