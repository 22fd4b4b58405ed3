package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
	"github.com/asimhafeezz/pm-agent-sub000/internal/integration"
	"github.com/asimhafeezz/pm-agent-sub000/internal/oauth"
)

// ConnectTokenRequest connects a provider with a token obtained out of band
type ConnectTokenRequest struct {
	AccessToken string         `json:"accessToken" validate:"required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StartOAuthRequest begins an OAuth flow
type StartOAuthRequest struct {
	RedirectURI string `json:"redirectUri"`
}

func currentUser(r *http.Request) (string, error) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		return "", fmt.Errorf("%w: not authenticated", apperror.ErrAuthorization)
	}
	return userID, nil
}

// HandleListIntegrations returns the connection status of every provider
func HandleListIntegrations(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		views, err := svc.ListStatuses(r.Context(), userID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// HandleGetIntegration returns the connection status of one provider
func HandleGetIntegration(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		view, err := svc.GetStatus(r.Context(), userID, chi.URLParam(r, "provider"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// HandleConnectToken stores a raw provider token
func HandleConnectToken(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		var req ConnectTokenRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}

		view, err := svc.ConnectToken(r.Context(), userID, chi.URLParam(r, "provider"), req.AccessToken, req.Metadata)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// HandleDisconnect removes a connection
func HandleDisconnect(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		if err := svc.Disconnect(r.Context(), userID, chi.URLParam(r, "provider")); err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// HandleListEvents returns recent connection events
func HandleListEvents(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 {
				respondError(w, r, fmt.Errorf("%w: limit must be a positive integer", apperror.ErrValidation))
				return
			}
		}

		events, err := svc.Events(r.Context(), userID, limit)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// HandleStartOAuth returns the provider consent URL and the signed state
func HandleStartOAuth(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		var req StartOAuthRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}

		result, err := svc.StartOAuth(r.Context(), userID, chi.URLParam(r, "provider"), req.RedirectURI)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleOAuthCallback completes an OAuth flow with the code relayed by the client
func HandleOAuthCallback(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		var req oauth.CallbackInput
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, r, err)
			return
		}

		view, err := svc.CompleteOAuth(r.Context(), userID, req)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// HandleForwardProjectManager proxies to the issue-tracker adapter
func HandleForwardProjectManager(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, body, err := forwardInput(w, r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		resp, err := svc.ForwardProjectManager(r.Context(), userID, chi.URLParam(r, "provider"), chi.URLParam(r, "*"), r.Method, r.URL.Query(), body)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeRaw(w, resp)
	}
}

// HandleForwardCommunication proxies to the mail and chat adapters
func HandleForwardCommunication(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, body, err := forwardInput(w, r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		resp, err := svc.ForwardCommunication(r.Context(), userID, chi.URLParam(r, "provider"), chi.URLParam(r, "*"), r.Method, r.URL.Query(), body)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeRaw(w, resp)
	}
}

// HandleForwardDocumentSource runs a document fetch or search
func HandleForwardDocumentSource(svc *integration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, body, err := forwardInput(w, r)
		if err != nil {
			respondError(w, r, err)
			return
		}

		resp, err := svc.ForwardDocumentSource(r.Context(), userID, chi.URLParam(r, "provider"), chi.URLParam(r, "op"), body)
		if err != nil {
			respondError(w, r, err)
			return
		}
		writeRaw(w, resp)
	}
}

// forwardInput reads the caller and an optional JSON body.
func forwardInput(w http.ResponseWriter, r *http.Request) (string, json.RawMessage, error) {
	userID, err := currentUser(r)
	if err != nil {
		return "", nil, err
	}
	if r.Body == nil || r.Method == http.MethodGet {
		return userID, nil, nil
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return "", nil, fmt.Errorf("%w: request body too large", apperror.ErrValidation)
	}
	if len(data) == 0 {
		return userID, nil, nil
	}
	if !json.Valid(data) {
		return "", nil, fmt.Errorf("%w: request body must be JSON", apperror.ErrValidation)
	}
	return userID, json.RawMessage(data), nil
}

func writeRaw(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(body) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(body)
}
