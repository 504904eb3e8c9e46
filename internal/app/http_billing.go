package app

import (
	"net/http"
)

// handleAdmin serves /api/admin/... for platform admins. The service layer
// enforces the role; this only routes.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[0] == "brokers" && len(parts) == 1 && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset", 0)
		if !ok {
			return
		}
		payload, err := s.service.ListBrokers(ctx, session, r.URL.Query().Get("q"), limit, offset)
		s.respond(w, r, http.StatusOK, payload, err)

	case parts[0] == "brokers" && len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodPut:
		var body struct {
			Deactivated bool `json:"deactivated"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetBrokerDeactivated(ctx, session, parts[1], body.Deactivated)
		s.respond(w, r, http.StatusOK, payload, err)

	case parts[0] == "affiliates" && len(parts) == 1 && r.Method == http.MethodGet:
		items, err := s.service.AdminListAffiliates(ctx, session)
		s.respond(w, r, http.StatusOK, map[string]any{"affiliates": items}, err)

	case parts[0] == "affiliates" && len(parts) == 2 && r.Method == http.MethodGet:
		payload, err := s.service.AdminAffiliate(ctx, session, parts[1])
		s.respond(w, r, http.StatusOK, payload, err)

	case parts[0] == "affiliates" && len(parts) == 3 && r.Method == http.MethodPost:
		s.handleAdminAffiliateAction(w, r, session, parts[1], parts[2])

	case parts[0] == "payouts" && len(parts) == 3 && r.Method == http.MethodPost:
		var body struct {
			Reference string `json:"reference"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		switch parts[2] {
		case "paid":
			payload, err := s.service.MarkPayoutPaid(ctx, session, parts[1], body.Reference)
			s.respond(w, r, http.StatusOK, payload, err)
		case "failed":
			payload, err := s.service.MarkPayoutFailed(ctx, session, parts[1], body.Reference)
			s.respond(w, r, http.StatusOK, payload, err)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdminAffiliateAction(w http.ResponseWriter, r *http.Request, session Session, affiliateID, action string) {
	ctx := r.Context()
	switch action {
	case "payouts":
		payload, err := s.service.CreatePayout(ctx, session, affiliateID)
		s.respond(w, r, http.StatusCreated, payload, err)
	case "status":
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.SetAffiliateStatus(ctx, session, affiliateID, body.Status)
		s.respond(w, r, http.StatusOK, payload, err)
	case "rate":
		var body struct {
			RateBps *int `json:"rateBps"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.RateBps == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rateBps is required", nil)
			return
		}
		payload, err := s.service.SetCommissionRate(ctx, session, affiliateID, *body.RateBps)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleAffiliate serves the caller's own affiliate account.
func (s *HTTPServer) handleAffiliate(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		payload, err := s.service.AffiliateDashboard(r.Context(), session)
		s.respond(w, r, http.StatusOK, payload, err)
	case http.MethodPost:
		var body struct {
			PayoutEmail string `json:"payoutEmail"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RegisterAffiliate(r.Context(), session, body.PayoutEmail)
		s.respond(w, r, http.StatusCreated, payload, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleBilling serves /api/billing/{catalog|subscription|tokens|checkout|portal}.
func (s *HTTPServer) handleBilling(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	ctx := r.Context()

	switch {
	case parts[0] == "catalog" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.Catalog())

	case parts[0] == "subscription" && r.Method == http.MethodGet:
		payload, err := s.service.GetSubscription(ctx, session)
		s.respond(w, r, http.StatusOK, map[string]any{"subscription": payload}, err)

	case parts[0] == "tokens" && r.Method == http.MethodGet:
		payload, err := s.service.GetTokens(ctx, session)
		s.respond(w, r, http.StatusOK, payload, err)

	case parts[0] == "checkout" && r.Method == http.MethodPost:
		var body CheckoutInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		url, err := s.service.CreateCheckout(ctx, session, body)
		s.respond(w, r, http.StatusOK, map[string]any{"url": url}, err)

	case parts[0] == "portal" && r.Method == http.MethodPost:
		url, err := s.service.CreatePortal(ctx, session)
		s.respond(w, r, http.StatusOK, map[string]any{"url": url}, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
