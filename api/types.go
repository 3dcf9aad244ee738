// Package api holds the JSON documents exchanged with a checkoutd server.
package api

import "time"

// CreateSessionRequest models the JSON payload for POST /v1/session/create.
type CreateSessionRequest struct {
	// CountryID selects bundles for one country (ISO 3166 alpha-2). Exclusive with RegionID.
	CountryID string `json:"countryId,omitempty"`
	// RegionID selects bundles for a region. Exclusive with CountryID.
	RegionID string `json:"regionId,omitempty"`
	// NumOfDays is the trip length the bundle must cover (1-365).
	NumOfDays int `json:"numOfDays"`
	// Group optionally narrows the catalog to a bundle group.
	Group string `json:"group,omitempty"`
}

// AuthenticateRequest models the JSON payload for POST /v1/session/authenticate.
type AuthenticateRequest struct {
	// UserID identifies the customer the session is bound to.
	UserID string `json:"userId"`
}

// DeliveryRequest models the JSON payload for POST /v1/session/delivery.
type DeliveryRequest struct {
	// Method is one of EMAIL, SMS, BOTH or QR.
	Method string `json:"method"`
	// Email is required for EMAIL and BOTH.
	Email string `json:"email,omitempty"`
	// PhoneNumber is required for SMS and BOTH.
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Plan is the bundle frozen at session creation.
type Plan struct {
	BundleID   string  `json:"bundleId"`
	BundleName string  `json:"bundleName,omitempty"`
	CountryID  string  `json:"countryId,omitempty"`
	RegionID   string  `json:"regionId,omitempty"`
	NumOfDays  int     `json:"numOfDays"`
	DataMB     int64   `json:"dataMb,omitempty"`
	Unlimited  bool    `json:"unlimited,omitempty"`
	Price      float64 `json:"price"`
	Currency   string  `json:"currency"`
}

// AuthenticationStep reports the authentication step.
type AuthenticationStep struct {
	Completed bool   `json:"completed"`
	UserID    string `json:"userId,omitempty"`
}

// DeliveryStep reports the delivery step.
type DeliveryStep struct {
	Completed bool   `json:"completed"`
	Method    string `json:"method,omitempty"`
	Email     string `json:"email,omitempty"`
}

// PaymentStep reports the payment step. At most one of ReadyForPayment,
// Processing, Completed and Failed is true.
type PaymentStep struct {
	ReadyForPayment bool       `json:"readyForPayment"`
	Processing      bool       `json:"processing"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	PaymentIntentID string     `json:"paymentIntentId,omitempty"`
	Failed          bool       `json:"failed"`
	FailureReason   string     `json:"failureReason,omitempty"`
}

// Steps is the UI-facing progress view of a session.
type Steps struct {
	Authentication AuthenticationStep `json:"authentication"`
	Delivery       DeliveryStep       `json:"delivery"`
	Payment        PaymentStep        `json:"payment"`
}

// Session is the client view of a checkout session. Token hashes and
// internal pricing figures are never exposed.
type Session struct {
	// ID identifies the session.
	ID string `json:"id"`
	// State is the lifecycle state, e.g. PAYMENT_READY.
	State string `json:"state"`
	// UserID is set once the session is authenticated.
	UserID string `json:"userId,omitempty"`
	// Plan is the bundle being purchased.
	Plan Plan `json:"plan"`
	// PaymentIntentID is the gateway intent created at authentication.
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	// CheckoutURL is the hosted payment page for the intent.
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	// WalletPayURL is the wallet payment link when the gateway offers one.
	WalletPayURL string `json:"walletPayUrl,omitempty"`
	// DeliveryMethod is the chosen eSIM delivery method.
	DeliveryMethod string `json:"deliveryMethod,omitempty"`
	// PaymentStatus mirrors the gateway's last known status.
	PaymentStatus string `json:"paymentStatus"`
	// OrderID is set once payment completed.
	OrderID string `json:"orderId,omitempty"`
	// Steps is the progress projection.
	Steps Steps `json:"steps"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is when the session stops accepting changes.
	ExpiresAt time.Time `json:"expiresAt"`
	// Version increments on every stored change.
	Version int64 `json:"version"`
}

// SessionResponse is returned by every session operation. Token is present
// when the operation issued a new bearer token.
type SessionResponse struct {
	Session Session `json:"session"`
	Token   string  `json:"token,omitempty"`
}

// PaymentResponse is returned by POST /v1/session/pay.
type PaymentResponse struct {
	Session Session `json:"session"`
	// OrderID is set when the session had already completed.
	OrderID string `json:"orderId,omitempty"`
	// AlreadyCompleted reports that no new payment attempt was started.
	AlreadyCompleted bool `json:"alreadyCompleted"`
}

// WebhookResponse is returned to the payment gateway.
type WebhookResponse struct {
	// Result is applied, duplicate or ignored.
	Result    string `json:"result"`
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SweepResponse is returned by POST /v1/admin/sweep.
type SweepResponse struct {
	// Expired is the number of sessions moved to SESSION_EXPIRED.
	Expired int `json:"expired"`
}

// SessionEvent is the data of one server-sent event on
// GET /v1/session/events.
type SessionEvent struct {
	SessionID string    `json:"sessionId"`
	Event     string    `json:"event"`
	Steps     Steps     `json:"steps"`
	OrderID   string    `json:"orderId,omitempty"`
	At        time.Time `json:"at"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable checkoutd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
