// Queue HTTP handlers.
//
//   - POST   /queue/requests        (enqueue)
//   - GET    /queue/requests        (list, paginated)
//   - GET    /queue/requests/{id}   (status + position)
//   - DELETE /queue/requests        (cancel the pair's active request)
//   - GET    /queue/stats
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-voice-queue/internal/domain"
	"github.com/tbourn/go-voice-queue/internal/http/middleware"
	"github.com/tbourn/go-voice-queue/internal/repo"
	"github.com/tbourn/go-voice-queue/internal/services"
)

// EnqueueRequestBody is the JSON payload for enqueuing a creation request.
type EnqueueRequestBody struct {
	UserID      string               `json:"user_id"      binding:"required" example:"112233445566778899"`
	GuildID     string               `json:"guild_id"     binding:"required" example:"998877665544332211"`
	Type        domain.RequestType   `json:"type"         binding:"required" example:"PVC"`
	ChannelName string               `json:"channel_name" binding:"required" example:"Ada's channel"`
	Priority    *int                 `json:"priority,omitempty" example:"5"`
	ParentID    string               `json:"parent_id,omitempty"`
	Permissions domain.PermissionSet `json:"permissions"`
}

// EnqueueResponse reports the request and whether it was newly created.
type EnqueueResponse struct {
	Request  *domain.CreationRequest `json:"request"`
	Created  bool                    `json:"created"`
	Position *int64                  `json:"position,omitempty"`
}

// RequestStatusResponse is a request plus its display queue position.
type RequestStatusResponse struct {
	Request  *domain.CreationRequest `json:"request"`
	Position *int64                  `json:"position,omitempty"`
}

// ListRequestsResponse wraps a page of requests.
type ListRequestsResponse struct {
	Requests   []domain.CreationRequest `json:"requests"`
	Pagination Pagination               `json:"pagination"`
}

// WorkerState is the pool's pause state.
type WorkerState struct {
	Paused      bool       `json:"paused"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
}

// QueueStatsResponse aggregates store and in-process counters.
type QueueStatsResponse struct {
	Requests   *repo.RequestStats `json:"requests"`
	Registered *int               `json:"registered_channels,omitempty"`
	Worker     *WorkerState       `json:"worker,omitempty"`
}

// EnqueueRequest godoc
// @ID          enqueueRequest
// @Summary     Enqueue a channel creation request
// @Description Creates a request for (user, guild). If the pair already has an active request it is returned unchanged with created=false.
// @Tags        Queue
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.EnqueueRequestBody  true  "Request"
// @Success     201   {object}  handlers.EnqueueResponse
// @Success     200   {object}  handlers.EnqueueResponse     "Existing active request"
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     500   {object}  handlers.ErrorResponse
// @Router      /queue/requests [post]
func (h *Handlers) EnqueueRequest(c *gin.Context) {
	var body EnqueueRequestBody
	if !bindJSON(c, &body, "user_id, guild_id, type and channel_name are required") {
		return
	}
	perms := body.Permissions
	if perms.Version == 0 && len(perms.Overwrites) == 0 {
		perms.Version = domain.PermissionSchemaVersion
	}

	ctx := c.Request.Context()
	r, created, err := h.d.Queue.CreateRequest(ctx, services.NewRequest{
		UserID:      strings.TrimSpace(body.UserID),
		GuildID:     strings.TrimSpace(body.GuildID),
		Type:        domain.RequestType(strings.ToUpper(string(body.Type))),
		Priority:    body.Priority,
		ChannelName: body.ChannelName,
		ParentID:    body.ParentID,
		Permissions: perms,
	})
	if err != nil {
		failService(c, err, ErrCodeEnqueueFailed)
		return
	}
	resp := EnqueueResponse{Request: r, Created: created}
	if pos, err := h.d.Queue.GetQueuePosition(ctx, r.ID); err == nil {
		resp.Position = &pos
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, resp)
}

// GetRequest godoc
// @ID          getRequest
// @Summary     Get a request
// @Description Returns the request and, while it is active, how many requests are ahead of it.
// @Tags        Queue
// @Produce     json
// @Param       id   path      string  true  "Request ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.RequestStatusResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /queue/requests/{id} [get]
func (h *Handlers) GetRequest(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "request id must be a UUID")
		return
	}
	ctx := c.Request.Context()
	r, err := h.d.Queue.GetRequest(ctx, id)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	resp := RequestStatusResponse{Request: r}
	if r.Status.IsActive() {
		if pos, err := h.d.Queue.GetQueuePosition(ctx, id); err == nil {
			resp.Position = &pos
		}
	}
	ok(c, http.StatusOK, resp)
}

// CancelRequest godoc
// @ID          cancelRequest
// @Summary     Cancel the active request of a member
// @Tags        Queue
// @Produce     json
// @Param       user_id   query     string  true  "User ID"
// @Param       guild_id  query     string  true  "Guild ID"
// @Success     200       {object}  domain.CreationRequest
// @Failure     400       {object}  handlers.ErrorResponse
// @Failure     404       {object}  handlers.ErrorResponse  "No active request"
// @Router      /queue/requests [delete]
func (h *Handlers) CancelRequest(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	guildID := strings.TrimSpace(c.Query("guild_id"))
	if userID == "" || guildID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id and guild_id are required")
		return
	}
	r, err := h.d.Queue.CancelRequest(c.Request.Context(), userID, guildID)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	middleware.LoggerFrom(c).Info().Str("request_id", r.ID).Str("guild_id", guildID).Str("user_id", userID).Msg("request cancelled via api")
	ok(c, http.StatusOK, r)
}

// ListRequests godoc
// @ID          listRequests
// @Summary     List requests (paginated, newest first)
// @Tags        Queue
// @Produce     json
// @Param       guild_id   query     string  false  "Guild ID"
// @Param       user_id    query     string  false  "User ID"
// @Param       status     query     string  false  "Status"  Enums(PENDING,PROCESSING,RETRYING,COMPLETED,FAILED,EXPIRED,CANCELLED)
// @Param       page       query     int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query     int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200        {object}  handlers.ListRequestsResponse
// @Failure     400        {object}  handlers.ErrorResponse
// @Failure     500        {object}  handlers.ErrorResponse
// @Router      /queue/requests [get]
func (h *Handlers) ListRequests(c *gin.Context) {
	f := repo.RequestFilter{
		GuildID: strings.TrimSpace(c.Query("guild_id")),
		UserID:  strings.TrimSpace(c.Query("user_id")),
		Status:  domain.RequestStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
	}
	if f.Status != "" && !f.Status.IsActive() && !f.Status.IsTerminal() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status")
		return
	}
	page, pageSize := clampPagination(c)
	items, total, err := h.d.Queue.ListPage(c.Request.Context(), f, page, pageSize)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListRequestsResponse{Requests: items, Pagination: newPagination(page, pageSize, total)})
}

// QueueStats godoc
// @ID          queueStats
// @Summary     Queue statistics
// @Description Per-status request counts, channel row counts, registry size and the worker pause state.
// @Tags        Queue
// @Produce     json
// @Success     200  {object}  handlers.QueueStatsResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /queue/stats [get]
func (h *Handlers) QueueStats(c *gin.Context) {
	st, err := h.d.Queue.Stats(c.Request.Context())
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	resp := QueueStatsResponse{Requests: st}
	if h.d.Channels != nil {
		n := len(h.d.Channels.All())
		resp.Registered = &n
	}
	if h.d.Worker != nil {
		ws := &WorkerState{}
		if until := h.d.Worker.PausedUntil(); until.After(h.now()) {
			ws.Paused = true
			ws.PausedUntil = &until
		}
		resp.Worker = ws
	}
	ok(c, http.StatusOK, resp)
}
