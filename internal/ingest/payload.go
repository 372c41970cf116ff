package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Routing keys consumed from upstream collaborators.
const (
	KeyServiceCreated      = "business.service.created"
	KeyServiceUpdated      = "business.service.updated"
	KeyAvailabilityUpdated = "business.availability.updated"
	KeyPaymentConfirmed    = "payment.confirmed"
)

// Keys lists every routing key the handler understands.
var Keys = []string{KeyServiceCreated, KeyServiceUpdated, KeyAvailabilityUpdated, KeyPaymentConfirmed}

type ServiceUpserted struct {
	BusinessID     string         `json:"businessId"`
	ServiceID      string         `json:"serviceId"`
	ServiceDetails ServiceDetails `json:"serviceDetails"`
}

type ServiceDetails struct {
	Name                   string  `json:"name"`
	Description            *string `json:"description"`
	DurationMinutes        int     `json:"durationMinutes"`
	Price                  int64   `json:"price"`
	Currency               string  `json:"currency"`
	IsActive               *bool   `json:"isActive"`
	MinAdvanceBookingHours *int    `json:"minAdvanceBookingHours"`
	MaxAdvanceBookingDays  *int    `json:"maxAdvanceBookingDays"`
}

// AvailabilityReplaced carries the full rule set. An empty list clears the business;
// a missing or null list is rejected.
type AvailabilityReplaced struct {
	BusinessID string         `json:"businessId"`
	Timezone   *string        `json:"timezone"`
	Rules      *[]RulePayload `json:"rules"`
}

type RulePayload struct {
	DayOfWeek Weekday `json:"dayOfWeek"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
}

type PaymentConfirmed struct {
	BookingID       string `json:"bookingId"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// Weekday decodes a day of week given as 0..6 (Sunday = 0) or as an English name
// or three-letter abbreviation in any case.
type Weekday time.Weekday

var weekdayNames = map[string]time.Weekday{}

func init() {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		weekdayNames[name] = d
		weekdayNames[name[:3]] = d
	}
}

func (w *Weekday) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return fmt.Errorf("day of week %v is not an integer", v)
		}
		return w.setIndex(int(v))
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if d, ok := weekdayNames[s]; ok {
			*w = Weekday(d)
			return nil
		}
		if n, err := strconv.Atoi(s); err == nil {
			return w.setIndex(n)
		}
		return fmt.Errorf("unknown day of week %q", v)
	}
	return fmt.Errorf("day of week must be a number or a name, got %s", data)
}

func (w *Weekday) setIndex(n int) error {
	if n < 0 || n > 6 {
		return fmt.Errorf("day of week %d out of range 0..6", n)
	}
	*w = Weekday(n)
	return nil
}
