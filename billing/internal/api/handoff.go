package api

import (
	"context"
	"net/http"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/handoff"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/idempotency"
)

type handoffCreateRequest struct {
	AccessToken  string `json:"access_token" validate:"required,max=8192"`
	RefreshToken string `json:"refresh_token" validate:"required,max=8192"`
}

type handoffCreateResponse struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in"`
}

type handoffExchangeRequest struct {
	Code string `json:"code" validate:"required,max=128"`
}

// handleHandoffCreate issues a single-use code for the posted session. The posted access
// token must itself be valid; when the request also carries a session it must belong to
// the same user.
func (s *Server) handleHandoffCreate(w http.ResponseWriter, r *http.Request) {
	var req handoffCreateRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	posted, err := s.authProvider.ValidateToken(r.Context(), req.AccessToken)
	if err != nil {
		s.writeAppError(w, r, apperr.Authentication("invalid access token"))
		return
	}
	if session := auth.IdentityFrom(r.Context()); session != nil && session.UserID != posted.UserID {
		s.logger.Warn("handoff identity mismatch", "session_user", session.UserID, "token_user", posted.UserID)
		s.writeAppError(w, r, apperr.Authentication("session mismatch"))
		return
	}

	// The code is never cached: a retried key is refused while the first request runs and
	// free to mint a fresh code afterwards.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		res, err := s.guard.Acquire(r.Context(), scopeHandoff, posted.UserID, key)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		if res.State != idempotency.Acquired {
			s.writeAppError(w, r, idempotency.ErrInFlight)
			return
		}
		defer func() {
			if err := s.guard.Release(context.WithoutCancel(r.Context()), res.Lease); err != nil {
				s.logger.Warn("release handoff lock failed", "user_id", posted.UserID, "error", err)
			}
		}()
	}

	grant, err := s.handoff.Create(r.Context(), handoff.Tokens{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}, posted.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, handoffCreateResponse{
		Code:      grant.Code,
		ExpiresIn: int(grant.TTL.Seconds()),
	})
}

func (s *Server) handleHandoffExchange(w http.ResponseWriter, r *http.Request) {
	var req handoffExchangeRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	tokens, err := s.handoff.Exchange(r.Context(), req.Code)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}
