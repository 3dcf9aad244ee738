package checkout

import (
	"strings"
	"time"
)

// SessionLifetime is the fixed window between creation and expiry.
const SessionLifetime = 30 * time.Minute

// MaxDays bounds Criteria.NumOfDays.
const MaxDays = 365

// Criteria describes what the customer wants to buy.
type Criteria struct {
	CountryID string `json:"countryId,omitempty"`
	RegionID  string `json:"regionId,omitempty"`
	NumOfDays int    `json:"numOfDays"`
	Group     string `json:"group,omitempty"`
}

// Validate checks the criteria before any lock or I/O is touched.
func (c Criteria) Validate() error {
	country := strings.TrimSpace(c.CountryID)
	region := strings.TrimSpace(c.RegionID)
	switch {
	case country == "" && region == "":
		return Validationf("exactly one of countryId or regionId is required")
	case country != "" && region != "":
		return Validationf("countryId and regionId are mutually exclusive")
	case c.NumOfDays < 1 || c.NumOfDays > MaxDays:
		return Validationf("numOfDays must be between 1 and %d", MaxDays)
	}
	return nil
}

// Bundle is one sellable catalog entry.
type Bundle struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name,omitempty" yaml:"name"`
	CountryID  string  `json:"countryId,omitempty" yaml:"country"`
	RegionID   string  `json:"regionId,omitempty" yaml:"region"`
	Group      string  `json:"group,omitempty" yaml:"group"`
	Days       int     `json:"days" yaml:"days"`
	DataMB     int64   `json:"dataMb,omitempty" yaml:"data_mb"`
	Unlimited  bool    `json:"unlimited,omitempty" yaml:"unlimited"`
	Price      float64 `json:"price" yaml:"price"`
	Cost       float64 `json:"cost,omitempty" yaml:"cost"`
	Currency   string  `json:"currency,omitempty" yaml:"currency"`
	ProviderID string  `json:"providerId,omitempty" yaml:"provider_id"`
}

// AppliedRule names one pricing rule the provider applied.
type AppliedRule struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Impact float64 `json:"impact"`
}

// Pricing is the provider's priced-bundle result.
type Pricing struct {
	Cost           float64       `json:"cost"`
	FinalPrice     float64       `json:"finalPrice"`
	Markup         float64       `json:"markup"`
	DiscountRate   float64       `json:"discountRate"`
	ProcessingCost float64       `json:"processingCost"`
	NetProfit      float64       `json:"netProfit"`
	Currency       string        `json:"currency"`
	SelectedBundle Bundle        `json:"selectedBundle"`
	AppliedRules   []AppliedRule `json:"appliedRules,omitempty"`
}

// PlanSnapshot freezes what the customer is buying at creation time.
type PlanSnapshot struct {
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

// AuthInfo records the authentication step.
type AuthInfo struct {
	UserID          string     `json:"userId"`
	AuthenticatedAt time.Time  `json:"authenticatedAt"`
	UserEmail       string     `json:"userEmail,omitempty"`
	UserName        string     `json:"userName,omitempty"`
	CheckoutURL     string     `json:"checkoutUrl,omitempty"`
	WalletPayURL    string     `json:"walletPayUrl,omitempty"`
	IntentCreatedAt time.Time  `json:"intentCreatedAt"`
	IntentRenewedAt *time.Time `json:"intentRenewedAt,omitempty"`
}

// DeliveryInfo records the delivery step.
type DeliveryInfo struct {
	Method      DeliveryMethod `json:"method"`
	Email       string         `json:"email,omitempty"`
	PhoneNumber string         `json:"phoneNumber,omitempty"`
	SetAt       time.Time      `json:"setAt"`
}

// PaymentInfo records the payment step.
type PaymentInfo struct {
	PaymentIntentID   string     `json:"paymentIntentId,omitempty"`
	ProcessingAt      *time.Time `json:"processingAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	LastWebhookStatus string     `json:"lastWebhookStatus,omitempty"`
	LastWebhookAt     *time.Time `json:"lastWebhookAt,omitempty"`
	Attempts          int        `json:"attempts,omitempty"`
}

// Metadata holds per-step data. Steps are only ever added or amended.
type Metadata struct {
	Auth      *AuthInfo     `json:"auth,omitempty"`
	Delivery  *DeliveryInfo `json:"delivery,omitempty"`
	Payment   *PaymentInfo  `json:"payment,omitempty"`
	ExpiredAt *time.Time    `json:"expiredAt,omitempty"`
}

// Session is the checkout aggregate root.
type Session struct {
	ID              string         `json:"id"`
	State           State          `json:"state"`
	UserID          string         `json:"userId,omitempty"`
	PlanSnapshot    PlanSnapshot   `json:"planSnapshot"`
	Pricing         Pricing        `json:"pricing"`
	PaymentIntentID string         `json:"paymentIntentId,omitempty"`
	DeliveryMethod  DeliveryMethod `json:"deliveryMethod,omitempty"`
	TokenHash       string         `json:"tokenHash,omitempty"`
	PaymentStatus   PaymentStatus  `json:"paymentStatus"`
	OrderID         string         `json:"orderId,omitempty"`
	Metadata        Metadata       `json:"metadata"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	Version         int64          `json:"version"`

	// ETag is the storage etag observed when the session was read.
	ETag string `json:"-"`
}

// Clone returns a deep copy so callers can stage changes without touching
// the value they read.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Pricing.AppliedRules = append([]AppliedRule(nil), s.Pricing.AppliedRules...)
	if s.Metadata.Auth != nil {
		auth := *s.Metadata.Auth
		auth.IntentRenewedAt = cloneTime(auth.IntentRenewedAt)
		c.Metadata.Auth = &auth
	}
	if s.Metadata.Delivery != nil {
		delivery := *s.Metadata.Delivery
		c.Metadata.Delivery = &delivery
	}
	if s.Metadata.Payment != nil {
		p := *s.Metadata.Payment
		p.ProcessingAt = cloneTime(p.ProcessingAt)
		p.CompletedAt = cloneTime(p.CompletedAt)
		p.FailedAt = cloneTime(p.FailedAt)
		p.LastWebhookAt = cloneTime(p.LastWebhookAt)
		c.Metadata.Payment = &p
	}
	c.Metadata.ExpiredAt = cloneTime(s.Metadata.ExpiredAt)
	return &c
}

// Expired reports whether the session's window has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Steps projects the session for UI consumption.
func (s *Session) Steps() Steps {
	return Project(s.State, s.Metadata)
}

// payment returns the payment metadata, creating it on first use.
func (s *Session) payment() *PaymentInfo {
	if s.Metadata.Payment == nil {
		s.Metadata.Payment = &PaymentInfo{}
	}
	return s.Metadata.Payment
}

// transition moves s to next when the edge exists.
func (s *Session) transition(next State) error {
	if !s.State.CanTransition(next) {
		return InvalidTransitionf("Cannot transition session from %s to %s", s.State, next)
	}
	s.State = next
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// UserProfile is what the user directory knows about a customer.
type UserProfile struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// SessionFacts is what the payment gateway needs to create an intent.
type SessionFacts struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Intent is a gateway-side pending charge.
type Intent struct {
	ID           string `json:"paymentIntentId"`
	CheckoutURL  string `json:"checkoutUrl"`
	WalletPayURL string `json:"walletPayUrl,omitempty"`
}

// OrderSnapshot is the immutable view of a paid session handed to the
// order repository.
type OrderSnapshot struct {
	SessionID       string        `json:"sessionId"`
	UserID          string        `json:"userId"`
	PaymentIntentID string        `json:"paymentIntentId"`
	Plan            PlanSnapshot  `json:"plan"`
	Pricing         Pricing       `json:"pricing"`
	Delivery        *DeliveryInfo `json:"delivery,omitempty"`
	PaidAt          time.Time     `json:"paidAt"`
}

// Order is a created order.
type Order struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"sessionId"`
	UserID          string        `json:"userId"`
	PaymentIntentID string        `json:"paymentIntentId"`
	Plan            PlanSnapshot  `json:"plan"`
	Pricing         Pricing       `json:"pricing"`
	Delivery        *DeliveryInfo `json:"delivery,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// SessionUpdate is the live-update payload published after a transition.
type SessionUpdate struct {
	SessionID string    `json:"sessionId"`
	Steps     Steps     `json:"steps"`
	OrderID   string    `json:"orderId,omitempty"`
	Event     string    `json:"event"`
	At        time.Time `json:"at"`
}

// Channel names the pub/sub channel carrying updates for sessionID.
func Channel(sessionID string) string {
	return "checkout.session." + sessionID
}
