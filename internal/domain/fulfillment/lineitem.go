package fulfillment

import "time"

// Payload carries the type-specific fulfillment details of a line item.
// Only the fields relevant to the item's type are populated; the whole
// struct is stored as one JSONB document.
type Payload struct {
	// Physical.
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`

	// Digital.
	DownloadURL   string `json:"download_url,omitempty"`
	DownloadLimit int    `json:"download_limit,omitempty"`

	// Service.
	BookingSlot *time.Time `json:"booking_slot,omitempty"`
	Location    string     `json:"location,omitempty"`
	ProviderID  string     `json:"provider_id,omitempty"`
}

// Merge overlays the non-zero fields of patch onto p. Used when a transition
// carries new fulfillment details, e.g. carrier and tracking at "shipped".
func (p *Payload) Merge(patch Payload) {
	if patch.Carrier != "" {
		p.Carrier = patch.Carrier
	}
	if patch.TrackingNumber != "" {
		p.TrackingNumber = patch.TrackingNumber
	}
	if patch.DownloadURL != "" {
		p.DownloadURL = patch.DownloadURL
	}
	if patch.DownloadLimit != 0 {
		p.DownloadLimit = patch.DownloadLimit
	}
	if patch.BookingSlot != nil {
		p.BookingSlot = patch.BookingSlot
	}
	if patch.Location != "" {
		p.Location = patch.Location
	}
	if patch.ProviderID != "" {
		p.ProviderID = patch.ProviderID
	}
}

// LineItem is one independently fulfilled unit within an order. ProductName
// and ProductSKU are denormalized snapshots preserved even if the source
// product changes.
type LineItem struct {
	ID         string
	OrderID    string
	MerchantID string
	ProductID  string
	VariantID  string

	Type   ItemType
	Status Status

	Quantity   int
	UnitPrice  int64
	TotalPrice int64
	Currency   string

	Fulfillment Payload

	ProductName string
	ProductSKU  string

	StatusChangedAt time.Time
	CreatedAt       time.Time
}
