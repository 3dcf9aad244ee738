package checkout

// State is the lifecycle position of a checkout session.
type State string

const (
	StateInitialized       State = "INITIALIZED"
	StateAuthenticated     State = "AUTHENTICATED"
	StateDeliverySet       State = "DELIVERY_SET"
	StatePaymentReady      State = "PAYMENT_READY"
	StatePaymentProcessing State = "PAYMENT_PROCESSING"
	StatePaymentCompleted  State = "PAYMENT_COMPLETED"
	StatePaymentFailed     State = "PAYMENT_FAILED"
	StateExpired           State = "SESSION_EXPIRED"
)

var transitions = map[State][]State{
	StateInitialized:       {StateAuthenticated, StateExpired},
	StateAuthenticated:     {StateDeliverySet, StateExpired},
	StateDeliverySet:       {StateDeliverySet, StatePaymentReady, StateExpired},
	StatePaymentReady:      {StateDeliverySet, StatePaymentProcessing, StateExpired},
	StatePaymentProcessing: {StatePaymentCompleted, StatePaymentFailed, StateExpired},
	StatePaymentFailed:     {StatePaymentProcessing, StateExpired},
	StatePaymentCompleted:  nil,
	StateExpired:           nil,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no edge leaves s.
func (s State) Terminal() bool {
	return s == StatePaymentCompleted || s == StateExpired
}

// CanTransition reports whether to is a legal next state from s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// progress orders the happy path. Failed sits with processing since a retry
// re-enters processing from it. Expired has no position.
func (s State) progress() int {
	switch s {
	case StateInitialized:
		return 0
	case StateAuthenticated:
		return 1
	case StateDeliverySet:
		return 2
	case StatePaymentReady:
		return 3
	case StatePaymentProcessing, StatePaymentFailed:
		return 4
	case StatePaymentCompleted:
		return 5
	default:
		return -1
	}
}

// PaymentStatus mirrors the gateway's last known status.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
)

// DeliveryMethod selects how the purchased eSIM reaches the customer.
type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "EMAIL"
	DeliverySMS   DeliveryMethod = "SMS"
	DeliveryBoth  DeliveryMethod = "BOTH"
	DeliveryQR    DeliveryMethod = "QR"
)

// Valid reports whether m is a known method.
func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryEmail, DeliverySMS, DeliveryBoth, DeliveryQR:
		return true
	}
	return false
}

// NeedsEmail reports whether m requires an email address.
func (m DeliveryMethod) NeedsEmail() bool { return m == DeliveryEmail || m == DeliveryBoth }

// NeedsPhone reports whether m requires a phone number.
func (m DeliveryMethod) NeedsPhone() bool { return m == DeliverySMS || m == DeliveryBoth }
