package checkout

import "time"

// Steps is the UI-facing progress view of a session.
type Steps struct {
	Authentication AuthenticationStep `json:"authentication"`
	Delivery       DeliveryStep       `json:"delivery"`
	Payment        PaymentStep        `json:"payment"`
}

type AuthenticationStep struct {
	Completed bool   `json:"completed"`
	UserID    string `json:"userId,omitempty"`
}

type DeliveryStep struct {
	Completed bool           `json:"completed"`
	Method    DeliveryMethod `json:"method,omitempty"`
	Email     string         `json:"email,omitempty"`
}

type PaymentStep struct {
	ReadyForPayment bool       `json:"readyForPayment"`
	Processing      bool       `json:"processing"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	PaymentIntentID string     `json:"paymentIntentId,omitempty"`
	Failed          bool       `json:"failed"`
	FailureReason   string     `json:"failureReason,omitempty"`
}

// Project derives Steps from state and metadata alone. An expired session
// has no position on the happy path, so its steps reflect which metadata
// sections were recorded before expiry.
func Project(state State, meta Metadata) Steps {
	var steps Steps
	progress := state.progress()

	steps.Authentication.Completed = progress >= StateAuthenticated.progress() ||
		(state == StateExpired && meta.Auth != nil)
	if steps.Authentication.Completed && meta.Auth != nil {
		steps.Authentication.UserID = meta.Auth.UserID
	}

	steps.Delivery.Completed = progress >= StateDeliverySet.progress() ||
		(state == StateExpired && meta.Delivery != nil)
	if steps.Delivery.Completed && meta.Delivery != nil {
		steps.Delivery.Method = meta.Delivery.Method
		steps.Delivery.Email = meta.Delivery.Email
	}

	steps.Payment.ReadyForPayment = state == StatePaymentReady
	steps.Payment.Processing = state == StatePaymentProcessing
	steps.Payment.Completed = state == StatePaymentCompleted
	steps.Payment.Failed = state == StatePaymentFailed
	if p := meta.Payment; p != nil {
		if steps.Payment.Completed {
			steps.Payment.CompletedAt = cloneTime(p.CompletedAt)
			steps.Payment.PaymentIntentID = p.PaymentIntentID
		}
		if steps.Payment.Failed {
			steps.Payment.FailureReason = p.FailureReason
		}
	}
	return steps
}
