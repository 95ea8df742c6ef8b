package fulfillment

// ItemType distinguishes the three fulfillment lifecycles a line item can
// follow. The type is fixed at checkout and never changes.
type ItemType string

const (
	TypePhysical ItemType = "physical"
	TypeDigital  ItemType = "digital"
	TypeService  ItemType = "service"
)

// Status is a node in a line item's per-type transition graph.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPaymentConfirmed Status = "payment_confirmed"

	// Physical lifecycle.
	StatusPreparing      Status = "preparing"
	StatusReadyToShip    Status = "ready_to_ship"
	StatusShipped        Status = "shipped"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"

	// Digital lifecycle.
	StatusAccessGranted Status = "access_granted"
	StatusDownloaded    Status = "downloaded"

	// Service lifecycle.
	StatusBookingConfirmed Status = "booking_confirmed"
	StatusReminderSent     Status = "reminder_sent"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusNoShow           Status = "no_show"

	// Shared terminal branches.
	StatusCancelled       Status = "cancelled"
	StatusRefundRequested Status = "refund_requested"
	StatusRefunded        Status = "refunded"
)

// transitions holds one adjacency list per item type. The maps are populated
// once at package init and never mutated afterwards; concurrent reads are
// safe without locking.
var transitions = map[ItemType]map[Status][]Status{
	TypePhysical: {
		StatusPending:          {StatusPaymentConfirmed, StatusCancelled},
		StatusPaymentConfirmed: {StatusPreparing, StatusCancelled},
		StatusPreparing:        {StatusReadyToShip, StatusCancelled},
		StatusReadyToShip:      {StatusShipped},
		StatusShipped:          {StatusOutForDelivery},
		StatusOutForDelivery:   {StatusDelivered},
		StatusDelivered:        {StatusRefundRequested},
		StatusRefundRequested:  {StatusRefunded},
		StatusRefunded:         {},
		StatusCancelled:        {},
	},
	TypeDigital: {
		StatusPending:          {StatusPaymentConfirmed, StatusCancelled},
		StatusPaymentConfirmed: {StatusAccessGranted, StatusCancelled},
		StatusAccessGranted:    {StatusDownloaded, StatusRefundRequested},
		StatusDownloaded:       {StatusRefundRequested},
		StatusRefundRequested:  {StatusRefunded},
		StatusRefunded:         {},
		StatusCancelled:        {},
	},
	TypeService: {
		StatusPending:          {StatusPaymentConfirmed, StatusCancelled},
		StatusPaymentConfirmed: {StatusBookingConfirmed, StatusCancelled},
		StatusBookingConfirmed: {StatusReminderSent, StatusNoShow, StatusCancelled},
		StatusReminderSent:     {StatusInProgress},
		StatusInProgress:       {StatusCompleted},
		StatusCompleted:        {StatusRefundRequested},
		StatusRefundRequested:  {StatusRefunded},
		StatusRefunded:         {},
		StatusNoShow:           {},
		StatusCancelled:        {},
	},
}

// InitialStatus is where every line item starts, regardless of type.
func InitialStatus() Status { return StatusPending }

// KnownType reports whether t is one of the supported item types.
func KnownType(t ItemType) bool {
	_, ok := transitions[t]
	return ok
}

// KnownStatus reports whether s is a node in t's transition graph.
func KnownStatus(t ItemType, s Status) bool {
	_, ok := transitions[t][s]
	return ok
}

// CanTransition reports whether (from -> to) is an edge in t's graph.
func CanTransition(t ItemType, from, to Status) bool {
	for _, next := range transitions[t][from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an *InvalidTransitionError when (from -> to) is
// not a legal move for t, nil otherwise.
func ValidateTransition(t ItemType, from, to Status) error {
	if !CanTransition(t, from, to) {
		return &InvalidTransitionError{Type: t, From: from, To: to}
	}
	return nil
}

// Terminal reports whether s has no outgoing edges for t.
func Terminal(t ItemType, s Status) bool {
	next, ok := transitions[t][s]
	return ok && len(next) == 0
}

// TerminalSuccess returns the status that marks a line item of type t as
// successfully fulfilled.
func TerminalSuccess(t ItemType) Status {
	switch t {
	case TypePhysical:
		return StatusDelivered
	case TypeDigital:
		return StatusDownloaded
	case TypeService:
		return StatusCompleted
	}
	return ""
}
