package fulfillment

import "time"

// OrderStatus is the order-level status derived from the statuses of the
// order's line items. It is recomputed by RollUp after every accepted
// line-item transition; callers never set it directly.
type OrderStatus string

const (
	OrderPending           OrderStatus = "PENDING"
	OrderProcessing        OrderStatus = "PROCESSING"
	OrderCompleted         OrderStatus = "COMPLETED"
	OrderCancelled         OrderStatus = "CANCELLED"
	OrderRefunded          OrderStatus = "REFUNDED"
	OrderPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
)

// Address is an immutable snapshot taken at checkout. Stored as JSONB so the
// order keeps the address the buyer saw even if their profile changes later.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Region     string `json:"region,omitempty"`
	Country    string `json:"country"`
}

// Order groups line items sold by one or more merchants to one buyer.
// Monetary fields are integer minor units in Currency. Orders are never
// deleted; they transition and are eventually archived.
type Order struct {
	ID          string
	OrderNumber string

	// Owner: either UserID or a guest contact is set, never neither.
	UserID     string
	GuestEmail string
	GuestPhone string

	Status   OrderStatus
	Currency string
	Subtotal int64
	Tax      int64
	Shipping int64
	Discount int64
	Total    int64

	ShippingAddress *Address
	BillingAddress  *Address
	PaymentRef      string
	Metadata        map[string]any

	Items []LineItem

	ArchivedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasOwner reports whether the order satisfies the owner invariant.
func (o *Order) HasOwner() bool {
	return o.UserID != "" || o.GuestEmail != "" || o.GuestPhone != ""
}
