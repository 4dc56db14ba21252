package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/auth"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/gateway"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/idempotency"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/plans"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
)

// Idempotency scopes.
const (
	scopeCheckout = "checkout"
	scopePortal   = "portal"
	scopeHandoff  = "handoff"
)

type checkoutRequest struct {
	PriceID  string `json:"price_id" validate:"required,max=255"`
	ReturnTo string `json:"return_to,omitempty" validate:"omitempty,max=2048"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	key := r.Header.Get("Idempotency-Key")
	if err := idempotency.ValidateKey(key); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	var req checkoutRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !s.catalog.Allowed(req.PriceID) {
		s.writeAppError(w, r, apperr.Validation("invalid price"))
		return
	}
	returnTo := s.safeReturnTo(req.ReturnTo)

	body, err := s.guard.Do(r.Context(), scopeCheckout, identity.UserID, key, func(ctx context.Context) ([]byte, error) {
		customerID, err := s.ensureCustomer(ctx, identity, key)
		if err != nil {
			return nil, err
		}
		sess, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutRequest{
			CustomerID:     customerID,
			PriceID:        req.PriceID,
			UserID:         identity.UserID,
			SuccessURL:     s.siteURL + "/checkout/success?return_to=" + url.QueryEscape(returnTo),
			CancelURL:      s.siteURL + "/#pricing",
			IdempotencyKey: gatewayKey(scopeCheckout, identity.UserID, key),
		})
		if err != nil {
			return nil, apperr.Transient("create checkout session", err)
		}
		s.logger.Info("checkout session created", "user_id", identity.UserID, "session_id", sess.ID, "price_id", req.PriceID)
		return json.Marshal(redirectResponse{URL: sess.URL})
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	key := r.Header.Get("Idempotency-Key")
	if err := idempotency.ValidateKey(key); err != nil {
		s.writeAppError(w, r, err)
		return
	}

	profile, err := s.store.GetProfile(r.Context(), identity.UserID)
	if err != nil {
		s.writeAppError(w, r, apperr.Transient("load profile", err))
		return
	}
	if profile == nil || profile.GatewayCustomerID == "" {
		s.writeAppError(w, r, apperr.Validation("no subscription found"))
		return
	}

	body, err := s.guard.Do(r.Context(), scopePortal, identity.UserID, key, func(ctx context.Context) ([]byte, error) {
		sess, err := s.gateway.CreatePortalSession(ctx, profile.GatewayCustomerID, s.siteURL+"/account",
			gatewayKey(scopePortal, identity.UserID, key))
		if err != nil {
			return nil, apperr.Transient("create portal session", err)
		}
		return json.Marshal(redirectResponse{URL: sess.URL})
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

type subscriptionResponse struct {
	Tier               plans.Tier   `json:"tier"`
	Status             string       `json:"status"`
	PeriodStart        *time.Time   `json:"period_start,omitempty"`
	PeriodEnd          *time.Time   `json:"period_end,omitempty"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	BuildsUsed         int          `json:"builds_used"`
	BuildsRemaining    int          `json:"builds_remaining"`
	Limits             plans.Limits `json:"limits"`
	HasBillingCustomer bool         `json:"has_billing_customer"`
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	profile, err := s.store.GetProfile(r.Context(), identity.UserID)
	if err != nil {
		s.writeAppError(w, r, apperr.Transient("load profile", err))
		return
	}
	if profile == nil {
		profile = &store.Profile{UserID: identity.UserID, Tier: string(plans.Free), SubscriptionStatus: store.StatusNone}
	}
	writeJSON(w, http.StatusOK, entitlements(profile))
}

// entitlements derives what a profile may use. A paid tier only counts while its
// subscription status entitles it.
func entitlements(p *store.Profile) subscriptionResponse {
	tier := plans.Normalize(p.Tier)
	if tier != plans.Free && !plans.Entitling(p.SubscriptionStatus) {
		tier = plans.Free
	}
	limits := plans.LimitsFor(tier)
	remaining := limits.BuildsPerPeriod - p.BuildsUsedThisPeriod
	if remaining < 0 {
		remaining = 0
	}
	return subscriptionResponse{
		Tier:               tier,
		Status:             p.SubscriptionStatus,
		PeriodStart:        p.PeriodStart,
		PeriodEnd:          p.PeriodEnd,
		CancelAtPeriodEnd:  p.CancelAtPeriodEnd,
		BuildsUsed:         p.BuildsUsedThisPeriod,
		BuildsRemaining:    remaining,
		Limits:             limits,
		HasBillingCustomer: p.GatewayCustomerID != "",
	}
}

// ensureCustomer returns the caller's gateway customer, creating and linking one on
// first checkout. A concurrent first checkout that links first wins; ours is orphaned.
func (s *Server) ensureCustomer(ctx context.Context, identity *auth.Identity, key string) (string, error) {
	now := time.Now()
	if err := s.store.EnsureProfile(ctx, identity.UserID, identity.Email, now); err != nil {
		return "", apperr.Transient("ensure profile", err)
	}
	profile, err := s.store.GetProfile(ctx, identity.UserID)
	if err != nil {
		return "", apperr.Transient("load profile", err)
	}
	if profile != nil && profile.GatewayCustomerID != "" {
		return profile.GatewayCustomerID, nil
	}

	customerID, err := s.gateway.CreateCustomer(ctx, identity.Email, identity.UserID, gatewayKey("customer", identity.UserID, key))
	if err != nil {
		return "", apperr.Transient("create customer", err)
	}
	linked, err := s.store.LinkGatewayCustomer(ctx, identity.UserID, customerID, now)
	if err != nil {
		return "", apperr.Transient("link customer", err)
	}
	if !linked {
		profile, err = s.store.GetProfile(ctx, identity.UserID)
		if err != nil || profile == nil || profile.GatewayCustomerID == "" {
			return "", apperr.Transient("reload profile", err)
		}
		s.logger.Warn("customer linked concurrently", "user_id", identity.UserID, "orphaned_customer_id", customerID)
		return profile.GatewayCustomerID, nil
	}
	return customerID, nil
}

// safeReturnTo accepts raw only when it points at a trusted origin; otherwise the
// builder URL is used.
func (s *Server) safeReturnTo(raw string) string {
	if raw == "" {
		return s.builderURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return s.builderURL
	}
	if !s.trusted[u.Scheme+"://"+u.Host] {
		return s.builderURL
	}
	return raw
}

// gatewayKey derives the idempotency key sent to the payment gateway, so a replay that
// slips past the local lock still maps to one gateway object.
func gatewayKey(scope, userID, clientKey string) string {
	return strings.Join([]string{"mcplugin", scope, userID, clientKey}, ":")
}
