package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/api"
	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/payment"
)

// handleCreateSession godoc
// @Summary      Create a checkout session
// @Description  Prices a bundle for the criteria and opens a session. The returned token authorizes every later call.
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        request  body      api.CreateSessionRequest  true  "Bundle criteria"
// @Success      201      {object}  api.SessionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      422      {object}  api.ErrorResponse
// @Failure      502      {object}  api.ErrorResponse
// @Router       /v1/session/create [post]
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) error {
	var req api.CreateSessionRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		return err
	}
	session, token, err := h.orch.CreateSession(r.Context(), checkout.Criteria{
		CountryID: req.CountryID,
		RegionID:  req.RegionID,
		NumOfDays: req.NumOfDays,
		Group:     req.Group,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, api.SessionResponse{Session: sessionView(session), Token: token}, nil)
	return nil
}

// handleGetSession godoc
// @Summary      Read the session bound to the bearer token
// @Tags         session
// @Produce      json
// @Success      200  {object}  api.SessionResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      404  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/session [get]
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) error {
	_, session, err := h.requireSession(r)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.SessionResponse{Session: sessionView(session)}, nil)
	return nil
}

// handleAuthenticate godoc
// @Summary      Bind a customer to the session
// @Description  Creates the payment intent and rotates the bearer token.
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        request  body      api.AuthenticateRequest  true  "Customer"
// @Success      200      {object}  api.SessionResponse
// @Failure      409      {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/session/authenticate [post]
func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) error {
	r, session, err := h.requireSession(r)
	if err != nil {
		return err
	}
	var req api.AuthenticateRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		return err
	}
	updated, token, err := h.orch.AuthenticateSession(r.Context(), session.ID, req.UserID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.SessionResponse{Session: sessionView(updated), Token: token}, nil)
	return nil
}

// handleDelivery godoc
// @Summary      Choose how the eSIM is delivered
// @Tags         session
// @Accept       json
// @Produce      json
// @Param        request  body      api.DeliveryRequest  true  "Delivery method"
// @Success      200      {object}  api.SessionResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      409      {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/session/delivery [post]
func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) error {
	r, session, err := h.requireSession(r)
	if err != nil {
		return err
	}
	var req api.DeliveryRequest
	if err := h.decodeRequest(w, r, &req, false); err != nil {
		return err
	}
	updated, err := h.orch.SetDeliveryMethod(r.Context(), session.ID, checkout.DeliveryInput{
		Method:      checkout.DeliveryMethod(req.Method),
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.SessionResponse{Session: sessionView(updated)}, nil)
	return nil
}

// handlePay godoc
// @Summary      Start payment
// @Description  Marks the session as paying. Settlement arrives through the gateway webhook. A completed session returns its order.
// @Tags         session
// @Produce      json
// @Success      200  {object}  api.PaymentResponse
// @Failure      409  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/session/pay [post]
func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) error {
	r, session, err := h.requireSession(r)
	if err != nil {
		return err
	}
	res, err := h.orch.ProcessPayment(r.Context(), session.ID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.PaymentResponse{
		Session:          sessionView(res.Session),
		OrderID:          res.OrderID,
		AlreadyCompleted: res.AlreadyCompleted,
	}, nil)
	return nil
}

// handleRefreshToken godoc
// @Summary      Refresh the bearer token
// @Description  Issues a new token for the session and revokes the presented one.
// @Tags         session
// @Produce      json
// @Success      200  {object}  api.SessionResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      404  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/session/token/refresh [post]
func (h *Handler) handleRefreshToken(w http.ResponseWriter, r *http.Request) error {
	r, session, err := h.requireSession(r)
	if err != nil {
		return err
	}
	updated, token, err := h.orch.RefreshToken(r.Context(), session.ID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.SessionResponse{Session: sessionView(updated), Token: token}, nil)
	return nil
}

// handleRenewIntent godoc
// @Summary      Renew the payment intent
// @Description  Replaces the payment intent, for example after the gateway expired the previous one.
// @Tags         session
// @Produce      json
// @Success      200  {object}  api.SessionResponse
// @Failure      401  {object}  api.ErrorResponse
// @Failure      409  {object}  api.ErrorResponse
// @Failure      502  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/session/payment-intent/renew [post]
func (h *Handler) handleRenewIntent(w http.ResponseWriter, r *http.Request) error {
	r, session, err := h.requireSession(r)
	if err != nil {
		return err
	}
	updated, err := h.orch.RenewPaymentIntent(r.Context(), session.ID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.SessionResponse{Session: sessionView(updated)}, nil)
	return nil
}

// handlePaymentWebhook godoc
// @Summary      Payment gateway webhook
// @Description  Applies a payment outcome. Business errors answer 200 with result=ignored; transient failures answer 503 so the gateway redelivers.
// @Tags         webhook
// @Accept       json
// @Produce      json
// @Param        X-Checkout-Signature  header    string  false  "sha256=<hex HMAC of the body>"
// @Success      200                   {object}  api.WebhookResponse
// @Failure      400                   {object}  api.ErrorResponse
// @Failure      401                   {object}  api.ErrorResponse
// @Failure      503                   {object}  api.ErrorResponse
// @Router       /v1/webhooks/payment [post]
func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.webhookMaxBytes))
	if err != nil {
		return bodyError(err)
	}
	if len(h.webhookSecret) > 0 {
		if err := payment.VerifySignature(h.webhookSecret, body, r.Header.Get(payment.SignatureHeader)); err != nil {
			return httpError{Status: http.StatusUnauthorized, Code: "invalid_signature", Detail: err.Error()}
		}
	}
	ev, err := payment.ParseWebhook(body)
	if err != nil {
		return err
	}
	ctx := r.Context()
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		ctx = pslog.ContextWithLogger(ctx, logger.With("event_id", ev.EventID))
	}
	res, err := h.orch.HandlePaymentWebhook(ctx, ev)
	if err != nil {
		if errors.Is(err, checkout.ErrValidation) {
			return err
		}
		code := "unavailable"
		if f, ok := checkout.AsFailure(err); ok {
			code = f.Code
		}
		return httpError{Status: http.StatusServiceUnavailable, Code: code, Detail: "webhook not applied, redeliver later", RetryAfter: 1}
	}
	h.writeJSON(w, http.StatusOK, api.WebhookResponse{
		Result:    string(res.Outcome),
		SessionID: res.SessionID,
		State:     string(res.State),
		OrderID:   res.OrderID,
		Reason:    res.Reason,
	}, nil)
	return nil
}

// handleSweep godoc
// @Summary      Expire overdue sessions now
// @Tags         admin
// @Produce      json
// @Success      200  {object}  api.SweepResponse
// @Failure      401  {object}  api.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/admin/sweep [post]
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) error {
	if err := h.requireAdmin(r); err != nil {
		return err
	}
	n, err := h.orch.CleanupExpiredSessions(r.Context())
	if err != nil {
		if n == 0 {
			return err
		}
		if logger := pslog.LoggerFromContext(r.Context()); logger != nil {
			logger.Warn("checkout.sweep.partial", "expired", n, "error", err)
		}
	}
	h.writeJSON(w, http.StatusOK, api.SweepResponse{Expired: n}, nil)
	return nil
}

// handleHealth godoc
// @Summary      Liveness check
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "OK"
// @Router       /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleReady godoc
// @Summary      Readiness check
// @Tags         system
// @Produce      plain
// @Success      200  {string}  string  "Ready"
// @Failure      503  {object}  api.ErrorResponse
// @Router       /readyz [get]
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: strings.TrimSpace(err.Error())}
		}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}
