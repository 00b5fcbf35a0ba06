package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pantrylab/cartsync/internal/apperr"
	"github.com/pantrylab/cartsync/internal/auth"
	"github.com/pantrylab/cartsync/internal/devices"
	"github.com/pantrylab/cartsync/internal/events"
	"github.com/pantrylab/cartsync/internal/items"
	"github.com/pantrylab/cartsync/internal/membership"
	"github.com/pantrylab/cartsync/internal/users"
)

const callerUIDContextKey = "cartsync_caller_uid"

var (
	errMissingGoogleVerifier    = errors.New("google verifier dependency required")
	errMissingTokenManager      = errors.New("token manager dependency required")
	errMissingMembershipService = errors.New("membership service dependency required")
	errMissingItemsService      = errors.New("items service dependency required")
	errMissingUsersService      = errors.New("users service dependency required")
	errMissingDevicesService    = errors.New("devices service dependency required")
	errMissingDispatcher        = errors.New("event dispatcher dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   SessionTokenManager
	Memberships    *membership.Service
	Items          *items.Service
	Users          *users.Service
	Devices        *devices.Service
	Events         *events.Dispatcher
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Memberships == nil {
		return nil, errMissingMembershipService
	}
	if deps.Items == nil {
		return nil, errMissingItemsService
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Devices == nil {
		return nil, errMissingDevicesService
	}
	if deps.Events == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:    deps.GoogleVerifier,
		tokens:      deps.TokenManager,
		memberships: deps.Memberships,
		items:       deps.Items,
		users:       deps.Users,
		devices:     deps.Devices,
		events:      deps.Events,
		logger:      logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/lists", handler.handleLists)
	protected.POST("/lists", handler.handleCreateList)
	protected.PATCH("/lists/:listID", handler.handleRenameList)
	protected.DELETE("/lists/:listID", handler.handleDeleteList)

	protected.GET("/lists/:listID/members", handler.handleMembers)
	protected.PATCH("/lists/:listID/members/:uid", handler.handleUpdateMemberRole)
	protected.DELETE("/lists/:listID/members/:uid", handler.handleRemoveMember)
	protected.POST("/lists/:listID/leave", handler.handleLeaveList)

	protected.POST("/lists/:listID/invites", handler.handleCreateInvite)
	protected.GET("/lists/:listID/invites", handler.handleInvites)
	protected.POST("/invites/accept", handler.handleAcceptInvite)
	protected.DELETE("/invites/:token", handler.handleRevokeInvite)

	protected.GET("/lists/:listID/items", handler.handleItemSnapshot)
	protected.POST("/lists/:listID/items", handler.handleAddItem)
	protected.PATCH("/lists/:listID/items/:itemID", handler.handleUpdateItem)
	protected.DELETE("/lists/:listID/items/:itemID", handler.handleDeleteItem)

	protected.GET("/lists/:listID/stream", handler.handleItemStream)

	protected.POST("/devices", handler.handleRegisterDevice)
	protected.DELETE("/devices/:token", handler.handleUnregisterDevice)

	protected.DELETE("/account", handler.handleDeleteAccount)

	return router, nil
}

type httpHandler struct {
	verifier    GoogleVerifier
	tokens      SessionTokenManager
	memberships *membership.Service
	items       *items.Service
	users       *users.Service
	devices     *devices.Service
	events      *events.Dispatcher
	logger      *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Profile refresh is best effort: a stale display name must not block
	// sign-in.
	err = h.users.Upsert(c.Request.Context(), users.Profile{
		UID:         identity.Subject,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		AvatarURL:   identity.AvatarURL,
	})
	if err != nil {
		h.logger.Warn("profile refresh failed", zap.String("uid", identity.Subject), zap.Error(err))
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type listPayload struct {
	ListID          string `json:"list_id"`
	Name            string `json:"name"`
	CreatedBy       string `json:"created_by"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
}

func toListPayload(list membership.List) listPayload {
	return listPayload{
		ListID:          list.ID,
		Name:            list.Name,
		CreatedBy:       list.CreatedBy,
		CreatedAtMillis: list.CreatedAtMillis,
		UpdatedAtMillis: list.UpdatedAtMillis,
	}
}

func (h *httpHandler) handleLists(c *gin.Context) {
	lists, err := h.memberships.Lists(c.Request.Context(), h.callerUID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]listPayload, 0, len(lists))
	for _, list := range lists {
		payload = append(payload, toListPayload(list))
	}
	c.JSON(http.StatusOK, gin.H{"lists": payload})
}

type createListPayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleCreateList(c *gin.Context) {
	var request createListPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	list, err := h.memberships.CreateList(c.Request.Context(), h.callerUID(c), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toListPayload(list))
}

func (h *httpHandler) handleRenameList(c *gin.Context) {
	var request createListPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.memberships.RenameList(c.Request.Context(), h.callerUID(c), c.Param("listID"), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteList(c *gin.Context) {
	err := h.memberships.DeleteList(c.Request.Context(), h.callerUID(c), c.Param("listID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type memberPayload struct {
	UID            string `json:"uid"`
	Role           string `json:"role"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	JoinedAtMillis int64  `json:"joined_at_ms"`
}

func (h *httpHandler) handleMembers(c *gin.Context) {
	members, err := h.memberships.Members(c.Request.Context(), h.callerUID(c), c.Param("listID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]memberPayload, 0, len(members))
	for _, member := range members {
		payload = append(payload, memberPayload{
			UID:            member.UID,
			Role:           string(member.Role),
			DisplayName:    member.DisplayName,
			Email:          member.Email,
			AvatarURL:      member.AvatarURL,
			JoinedAtMillis: member.JoinedAtMillis,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": payload})
}

type updateRolePayload struct {
	Role string `json:"role"`
}

func (h *httpHandler) handleUpdateMemberRole(c *gin.Context) {
	var request updateRolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := membership.ParseRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	err = h.memberships.UpdateMemberRole(c.Request.Context(), h.callerUID(c), c.Param("listID"), c.Param("uid"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	err := h.memberships.RemoveMember(c.Request.Context(), h.callerUID(c), c.Param("listID"), c.Param("uid"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeaveList(c *gin.Context) {
	err := h.memberships.LeaveList(c.Request.Context(), h.callerUID(c), c.Param("listID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createInvitePayload struct {
	OneTime bool `json:"one_time"`
}

type invitePayload struct {
	Token           string `json:"token"`
	ListID          string `json:"list_id"`
	CreatedBy       string `json:"created_by"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	ExpiresAtMillis int64  `json:"expires_at_ms"`
	OneTime         bool   `json:"one_time"`
}

func (h *httpHandler) handleCreateInvite(c *gin.Context) {
	var request createInvitePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.memberships.CreateInvite(c.Request.Context(), h.callerUID(c), c.Param("listID"), request.OneTime)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": created.URL, "token": created.Token})
}

func (h *httpHandler) handleInvites(c *gin.Context) {
	invites, err := h.memberships.Invites(c.Request.Context(), h.callerUID(c), c.Param("listID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]invitePayload, 0, len(invites))
	for _, invite := range invites {
		payload = append(payload, invitePayload{
			Token:           invite.Token,
			ListID:          invite.ListID,
			CreatedBy:       invite.CreatedBy,
			CreatedAtMillis: invite.CreatedAtMillis,
			ExpiresAtMillis: invite.ExpiresAtMillis,
			OneTime:         invite.OneTime,
		})
	}
	c.JSON(http.StatusOK, gin.H{"invites": payload})
}

type acceptInvitePayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleAcceptInvite(c *gin.Context) {
	var request acceptInvitePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	listID, err := h.memberships.AcceptInvite(c.Request.Context(), h.callerUID(c), request.Token)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"list_id": listID})
}

func (h *httpHandler) handleRevokeInvite(c *gin.Context) {
	err := h.memberships.RevokeInvite(c.Request.Context(), h.callerUID(c), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type itemPayload struct {
	ItemID          string `json:"item_id"`
	ListID          string `json:"list_id"`
	Title           string `json:"title"`
	Note            string `json:"note,omitempty"`
	Qty             int    `json:"qty"`
	Checked         bool   `json:"checked"`
	CreatedBy       string `json:"created_by"`
	UpdatedBy       string `json:"updated_by"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
}

func toItemPayload(item items.Item) itemPayload {
	return itemPayload{
		ItemID:          item.ID,
		ListID:          item.ListID,
		Title:           item.Title,
		Note:            item.Note,
		Qty:             item.Qty,
		Checked:         item.Checked,
		CreatedBy:       item.CreatedBy,
		UpdatedBy:       item.UpdatedBy,
		CreatedAtMillis: item.CreatedAtMillis,
		UpdatedAtMillis: item.UpdatedAtMillis,
	}
}

func (h *httpHandler) handleItemSnapshot(c *gin.Context) {
	snapshot, err := h.items.Snapshot(c.Request.Context(), h.callerUID(c), c.Param("listID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]itemPayload, 0, len(snapshot))
	for _, item := range snapshot {
		payload = append(payload, toItemPayload(item))
	}
	c.JSON(http.StatusOK, gin.H{"items": payload})
}

type addItemPayload struct {
	Title string `json:"title"`
	Note  string `json:"note"`
	Qty   int    `json:"qty"`
}

func (h *httpHandler) handleAddItem(c *gin.Context) {
	var request addItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.items.Add(c.Request.Context(), h.callerUID(c), c.Param("listID"), items.Fields{
		Title: request.Title,
		Note:  request.Note,
		Qty:   request.Qty,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toItemPayload(created))
}

type updateItemPayload struct {
	Title   *string `json:"title"`
	Note    *string `json:"note"`
	Qty     *int    `json:"qty"`
	Checked *bool   `json:"checked"`
}

func (h *httpHandler) handleUpdateItem(c *gin.Context) {
	var request updateItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.items.Update(c.Request.Context(), h.callerUID(c), c.Param("listID"), c.Param("itemID"), items.Patch{
		Title:   request.Title,
		Note:    request.Note,
		Qty:     request.Qty,
		Checked: request.Checked,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toItemPayload(updated))
}

func (h *httpHandler) handleDeleteItem(c *gin.Context) {
	err := h.items.Delete(c.Request.Context(), h.callerUID(c), c.Param("listID"), c.Param("itemID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type registerDevicePayload struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	var request registerDevicePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.devices.Register(c.Request.Context(), h.callerUID(c), request.Token, request.Platform)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnregisterDevice(c *gin.Context) {
	err := h.devices.Unregister(c.Request.Context(), h.callerUID(c), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	err := h.memberships.DeleteAccount(c.Request.Context(), h.callerUID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(callerUIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) callerUID(c *gin.Context) string {
	return c.GetString(callerUIDContextKey)
}

// respondError maps the error taxonomy onto HTTP statuses. The client-facing
// message comes from the error itself; internal causes stay in the logs.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.KindInvalidArgument:
		status = http.StatusBadRequest
	case apperr.KindPermissionDenied:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindFailedPrecondition:
		status = http.StatusConflict
	}

	message := apperr.MessageOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": message})
}
