package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/accounts"
	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/elsewhere"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const participantContextKey = "tether_participant_id"

var (
	errMissingElsewhereService = errors.New("elsewhere service dependency required")
	errMissingAccountsService  = errors.New("accounts service dependency required")
	errMissingSessionIssuer    = errors.New("session issuer dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

type Dependencies struct {
	Elsewhere *elsewhere.Service
	Accounts  *accounts.Service
	Sessions  *auth.SessionIssuer
	Events    *EventDispatcher
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Elsewhere == nil {
		return nil, errMissingElsewhereService
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		elsewhere: deps.Elsewhere,
		accounts:  deps.Accounts,
		sessions:  deps.Sessions,
		events:    events,
		logger:    logger,
	}

	router.GET("/on/:platform/:identifier", handler.handleLookup)
	router.POST("/auth/session", handler.handleSessionStart)
	router.POST("/connect-token/verify", handler.handleConnectTokenVerify)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/connect-token", handler.handleConnectTokenIssue)
	protected.POST("/claim", handler.handleClaim)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	elsewhere *elsewhere.Service
	accounts  *accounts.Service
	sessions  *auth.SessionIssuer
	events    *EventDispatcher
	logger    *zap.Logger
}

type accountPayload struct {
	Platform    string `json:"platform"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	LocalURL    string `json:"local_url"`
	PlatformURL string `json:"platform_url,omitempty"`
	Participant string `json:"participant_id"`
}

func (h *httpHandler) accountPayload(account *elsewhere.Account) accountPayload {
	payload := accountPayload{
		Platform:    account.Platform,
		UserID:      account.UserID,
		UserName:    account.UserName,
		DisplayName: account.DisplayName,
		AvatarURL:   account.AvatarURL,
		LocalURL:    h.elsewhere.LocalURL(account),
		Participant: account.ParticipantID,
	}
	if platformURL, err := h.elsewhere.PlatformURL(account); err == nil {
		payload.PlatformURL = platformURL
	}
	return payload
}

func (h *httpHandler) handleLookup(c *gin.Context) {
	allowLiveFetch := true
	if raw := c.Query("live"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		allowLiveFetch = parsed
	}

	_, account, liveFetched, err := h.elsewhere.Lookup(
		c.Request.Context(),
		c.Param("platform"),
		c.Param("identifier"),
		allowLiveFetch,
	)
	switch {
	case err == nil:
		if liveFetched {
			h.events.Publish(LinkEvent{
				ParticipantID: account.ParticipantID,
				EventType:     EventIdentityLinked,
				Platform:      account.Platform,
				Slug:          account.Slug(),
				Timestamp:     time.Now().UTC(),
			})
		}
		c.JSON(http.StatusOK, h.accountPayload(account))
	case errors.Is(err, elsewhere.ErrUnknownPlatform), errors.Is(err, elsewhere.ErrInvalidIdentifier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identifier"})
	case errors.Is(err, elsewhere.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
	default:
		// Platform-fetch and persistence failures pass through as upstream
		// trouble rather than being conflated with a miss.
		h.logger.Error("lookup failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "lookup_failed"})
	}
}

type sessionStartPayload struct {
	Platform     string `json:"platform"`
	UserID       string `json:"user_id"`
	ConnectToken string `json:"connect_token"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleSessionStart exchanges a valid connect token for a participant
// session. This is the "prove you control the external identity" leg of the
// linking handshake.
func (h *httpHandler) handleSessionStart(c *gin.Context) {
	var request sessionStartPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Platform == "" || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.elsewhere.FromUserID(c.Request.Context(), request.Platform, request.UserID)
	if err != nil || !h.elsewhere.VerifyConnectToken(account, request.ConnectToken) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	participant, err := h.accounts.ByID(c.Request.Context(), account.ParticipantID)
	if err != nil {
		h.logger.Error("participant load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_start_failed"})
		return
	}

	token, expiresIn, err := h.sessions.IssueSessionToken(participant.ID, participant.Username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_start_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type connectTokenRequestPayload struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
}

func (h *httpHandler) handleConnectTokenIssue(c *gin.Context) {
	var request connectTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Platform == "" || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.elsewhere.FromUserID(c.Request.Context(), request.Platform, request.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		return
	}
	if account.ParticipantID != c.GetString(participantContextKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	token, expires, err := h.elsewhere.IssueConnectToken(c.Request.Context(), account)
	if err != nil {
		h.logger.Error("failed to issue connect token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connect_token_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connect_token": token,
		"expires_at":    expires.UTC().Format(time.RFC3339),
	})
}

type connectTokenVerifyPayload struct {
	Platform     string `json:"platform"`
	UserID       string `json:"user_id"`
	ConnectToken string `json:"connect_token"`
}

func (h *httpHandler) handleConnectTokenVerify(c *gin.Context) {
	var request connectTokenVerifyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	valid := false
	account, err := h.elsewhere.FromUserID(c.Request.Context(), request.Platform, request.UserID)
	if err == nil {
		valid = h.elsewhere.VerifyConnectToken(account, request.ConnectToken)
	}
	// A missing account and a wrong token are indistinguishable on purpose.
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

type claimRequestPayload struct {
	Platform        string `json:"platform"`
	UserID          string `json:"user_id"`
	DesiredUsername string `json:"desired_username"`
}

type claimResponsePayload struct {
	ParticipantID string `json:"participant_id"`
	Username      string `json:"username"`
	NewlyClaimed  bool   `json:"newly_claimed"`
	IsClaimed     bool   `json:"is_claimed"`
	IsClosed      bool   `json:"is_closed"`
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Platform == "" || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.elsewhere.FromUserID(c.Request.Context(), request.Platform, request.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		return
	}
	if account.ParticipantID != c.GetString(participantContextKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	participant, newlyClaimed, err := h.elsewhere.Claim(c.Request.Context(), account, request.DesiredUsername)
	if err != nil {
		h.logger.Error("claim failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim_failed"})
		return
	}

	if newlyClaimed {
		h.events.Publish(LinkEvent{
			ParticipantID: participant.ID,
			EventType:     EventAccountClaimed,
			Platform:      account.Platform,
			Slug:          account.Slug(),
			Timestamp:     time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, claimResponsePayload{
		ParticipantID: participant.ID,
		Username:      participant.Username,
		NewlyClaimed:  newlyClaimed,
		IsClaimed:     participant.IsClaimed,
		IsClosed:      participant.IsClosed,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	participantID := c.GetString(participantContextKey)
	stream, cancel := h.events.Subscribe(c.Request.Context(), participantID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, gin.H{
				"platform":  event.Platform,
				"slug":      event.Slug,
				"timestamp": event.Timestamp.Format(time.RFC3339),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
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
	claims, err := h.sessions.ValidateSessionToken(token)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(participantContextKey, claims.Subject)
	c.Next()
}
