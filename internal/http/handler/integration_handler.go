package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	domain "github.com/smallbiznis/valora-integrations/internal/domain/integration"
	"github.com/smallbiznis/valora-integrations/internal/http/middleware"
	"github.com/smallbiznis/valora-integrations/internal/provider"
	integrationsvc "github.com/smallbiznis/valora-integrations/internal/service/integration"
)

// IntegrationHandler exposes the OAuth integration endpoints.
type IntegrationHandler struct {
	Service  integrationsvc.Service
	Registry *provider.Registry
	Logger   *zap.Logger
}

// NewIntegrationHandler creates the handler set.
func NewIntegrationHandler(service integrationsvc.Service, registry *provider.Registry, logger *zap.Logger) *IntegrationHandler {
	return &IntegrationHandler{Service: service, Registry: registry, Logger: logger}
}

// ListProviders returns the providers configured in this deployment.
func (h *IntegrationHandler) ListProviders(c *gin.Context) {
	kinds := h.Registry.Kinds()
	providers := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		providers = append(providers, string(kind))
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// Status lists the org's connections.
func (h *IntegrationHandler) Status(c *gin.Context) {
	orgID, ok := middleware.GetOrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}
	statuses, err := h.Service.Status(c.Request.Context(), orgID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": statuses})
}

// Start begins the authorization flow and returns the consent-screen URL.
func (h *IntegrationHandler) Start(c *gin.Context) {
	orgID, ok := middleware.GetOrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}
	kind, err := domain.ParseKind(c.Query("provider"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	var integrationID int64
	if raw := strings.TrimSpace(c.Query("integration_id")); raw != "" {
		integrationID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "integration_id must be numeric."})
			return
		}
	}

	out, err := h.Service.StartAuthorization(c.Request.Context(), orgID, integrationsvc.StartAuthorizationInput{
		Provider:      kind,
		IntegrationID: integrationID,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization_url": out.AuthorizationURL,
		"state":             out.State,
	})
}

// Callback completes the authorization flow. The provider redirects the
// browser here, so org scoping comes from the state token, not a header.
func (h *IntegrationHandler) Callback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "consent_denied",
			"error_description": errParam,
		})
		return
	}

	in := integrationsvc.CallbackInput{
		Provider: domain.ProviderKind(c.Query("provider")),
		Code:     c.Query("code"),
		State:    c.Query("state"),
	}
	out, err := h.Service.HandleCallback(c.Request.Context(), in)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"org_id":         strconv.FormatInt(out.OrgID, 10),
		"integration_id": strconv.FormatInt(out.IntegrationID, 10),
	})
}

// Refresh rotates the stored tokens for a provider.
func (h *IntegrationHandler) Refresh(c *gin.Context) {
	orgID, ok := middleware.GetOrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}
	kind, err := domain.ParseKind(c.Param("provider"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	tokens, err := h.Service.Refresh(c.Request.Context(), orgID, kind)
	if err != nil {
		h.renderError(c, err)
		return
	}
	resp := gin.H{"provider": string(kind)}
	if tokens.ExpiresAt != nil {
		resp["expires_at"] = tokens.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

// Revoke disconnects a provider for the org.
func (h *IntegrationHandler) Revoke(c *gin.Context) {
	orgID, ok := middleware.GetOrgID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_org", "error_description": "Org not resolved."})
		return
	}
	kind, err := domain.ParseKind(c.Param("provider"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	if err := h.Service.Revoke(c.Request.Context(), orgID, kind); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *IntegrationHandler) renderError(c *gin.Context, err error) {
	var exchangeErr *domain.TokenExchangeError
	switch {
	case errors.Is(err, domain.ErrProviderNotConfigured):
		c.JSON(http.StatusNotFound, gin.H{"error": "provider_not_configured", "error_description": err.Error()})
	case errors.Is(err, domain.ErrStateExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "state_expired", "error_description": "Authorization request expired; restart the flow."})
	case errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": "Authorization state is invalid; restart the flow."})
	case errors.Is(err, domain.ErrNoIntegrationFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "integration_not_found", "error_description": err.Error()})
	case errors.Is(err, domain.ErrNoRefreshToken):
		c.JSON(http.StatusConflict, gin.H{"error": "no_refresh_token", "error_description": "Stored credentials have no refresh token; reconnect the provider."})
	case errors.As(err, &exchangeErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "token_exchange_failed", "error_description": exchangeErr.Message})
	default:
		if h.Logger != nil {
			h.Logger.Error("integration request failed", zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Unexpected error."})
	}
}
