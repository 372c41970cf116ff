// Package memstore is an in-process storage driver. It implements the catalog
// replica, the booking repository and the outbox store over one set of maps, and
// serializes the conflict guard with a mutex per business.
//
// Data does not survive a restart. It backs STORAGE_DRIVER=memory and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nekogravitycat/booking-engine/internal/booking"
	"github.com/nekogravitycat/booking-engine/internal/catalog"
	"github.com/nekogravitycat/booking-engine/internal/outbox"
	"github.com/nekogravitycat/booking-engine/internal/slot"
)

type Store struct {
	mu       sync.RWMutex
	services map[string]catalog.ServiceDefinition
	rules    map[string][]catalog.AvailabilityRule
	profiles map[string]catalog.BusinessProfile
	bookings map[string]*booking.Booking
	intents  map[string]string // payment intent -> booking id
	events   []outbox.Event

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	drainMu sync.Mutex
}

var (
	_ catalog.Replica    = (*Store)(nil)
	_ booking.Repository = (*Store)(nil)
	_ outbox.Store       = (*Store)(nil)
)

func New() *Store {
	return &Store{
		services: make(map[string]catalog.ServiceDefinition),
		rules:    make(map[string][]catalog.AvailabilityRule),
		profiles: make(map[string]catalog.BusinessProfile),
		bookings: make(map[string]*booking.Booking),
		intents:  make(map[string]string),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Catalog replica

func (s *Store) GetService(ctx context.Context, serviceID string) (*catalog.ServiceDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[serviceID]
	if !ok {
		return nil, catalog.ErrServiceNotFound
	}
	return &svc, nil
}

func (s *Store) RulesForDay(ctx context.Context, businessID string, day time.Weekday) ([]catalog.AvailabilityRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rulesForDayLocked(businessID, day), nil
}

func (s *Store) rulesForDayLocked(businessID string, day time.Weekday) []catalog.AvailabilityRule {
	var out []catalog.AvailabilityRule
	for _, r := range s.rules[businessID] {
		if r.DayOfWeek == day {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) ListRules(ctx context.Context, businessID string) ([]catalog.AvailabilityRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]catalog.AvailabilityRule(nil), s.rules[businessID]...), nil
}

func (s *Store) GetProfile(ctx context.Context, businessID string) (*catalog.BusinessProfile, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[businessID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (s *Store) UpsertService(ctx context.Context, svc *catalog.ServiceDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := svc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.services[svc.ID]; ok {
		svc.UpdatedAt = prev.UpdatedAt
		if prev == *svc {
			return nil
		}
	}
	svc.UpdatedAt = time.Now().UTC()
	s.services[svc.ID] = *svc
	return nil
}

func (s *Store) ReplaceAvailability(ctx context.Context, businessID string, profile *catalog.BusinessProfile, rules []catalog.AvailabilityRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	rules = catalog.DedupeRules(rules)
	stored := make([]catalog.AvailabilityRule, len(rules))
	for i, r := range rules {
		r.BusinessID = businessID
		stored[i] = r
	}
	sort.Slice(stored, func(i, j int) bool {
		a, b := stored[i], stored[j]
		if a.DayOfWeek != b.DayOfWeek {
			return a.DayOfWeek < b.DayOfWeek
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.EndTime < b.EndTime
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if profile != nil {
		s.profiles[businessID] = catalog.BusinessProfile{BusinessID: businessID, Timezone: profile.Timezone}
	}
	if len(stored) == 0 {
		delete(s.rules, businessID)
		return nil
	}
	s.rules[businessID] = stored
	return nil
}

// Bookings

func (s *Store) businessLock(businessID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[businessID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[businessID] = l
	}
	return l
}

func (s *Store) WithBusinessLock(ctx context.Context, businessID string, fn func(tx booking.GuardTx) error) error {
	l := s.businessLock(businessID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &guardTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

// commit applies staged inserts the way the database constraints would.
func (s *Store) commit(tx *guardTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range tx.bookings {
		if _, ok := s.services[b.ServiceID]; !ok {
			return booking.ErrServiceNotFound
		}
		if s.overlapsLocked(b.BusinessID, b.StartTime, b.EndTime, "") {
			return booking.ErrSlotConflict
		}
		if b.PaymentIntentID != nil {
			if _, taken := s.intents[*b.PaymentIntentID]; taken {
				return booking.ErrIntentInUse
			}
		}
	}

	now := time.Now().UTC()
	for _, b := range tx.bookings {
		b.CreatedAt, b.UpdatedAt = now, now
		s.bookings[b.ID] = b.Clone()
		if b.PaymentIntentID != nil {
			s.intents[*b.PaymentIntentID] = b.ID
		}
	}
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *Store) overlapsLocked(businessID string, start, end time.Time, excludeID string) bool {
	for _, b := range s.bookings {
		if b.BusinessID != businessID || b.ID == excludeID || !b.Status.Active() {
			continue
		}
		if start.Before(b.EndTime) && end.After(b.StartTime) {
			return true
		}
	}
	return false
}

type guardTx struct {
	store    *Store
	bookings []*booking.Booking
	events   []outbox.Event
}

func (g *guardTx) RulesForDay(ctx context.Context, businessID string, day time.Weekday) ([]catalog.AvailabilityRule, error) {
	return g.store.RulesForDay(ctx, businessID, day)
}

func (g *guardTx) HasOverlap(ctx context.Context, businessID string, start, end time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, b := range g.bookings {
		if b.BusinessID == businessID && start.Before(b.EndTime) && end.After(b.StartTime) {
			return true, nil
		}
	}

	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	return g.store.overlapsLocked(businessID, start, end, ""), nil
}

func (g *guardTx) Insert(ctx context.Context, b *booking.Booking, events ...outbox.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.bookings = append(g.bookings, b)
	g.events = append(g.events, events...)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*booking.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return b.Clone(), nil
}

func (s *Store) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*booking.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.intents[paymentIntentID]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return s.bookings[id].Clone(), nil
}

var sortKeys = map[string]func(a, b *booking.Booking) int{
	"start_time": func(a, b *booking.Booking) int { return a.StartTime.Compare(b.StartTime) },
	"end_time":   func(a, b *booking.Booking) int { return a.EndTime.Compare(b.EndTime) },
	"created_at": func(a, b *booking.Booking) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"status": func(a, b *booking.Booking) int {
		switch {
		case a.Status < b.Status:
			return -1
		case a.Status > b.Status:
			return 1
		}
		return 0
	},
}

func (s *Store) List(ctx context.Context, f booking.Filter) ([]*booking.Booking, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var matched []*booking.Booking
	for _, b := range s.bookings {
		switch {
		case f.CustomerID != "" && b.CustomerID != f.CustomerID,
			f.BusinessID != "" && b.BusinessID != f.BusinessID,
			f.ServiceID != "" && b.ServiceID != f.ServiceID,
			f.Status != "" && string(b.Status) != f.Status,
			f.StartTime != nil && !b.EndTime.After(*f.StartTime),
			f.EndTime != nil && !b.StartTime.Before(*f.EndTime):
			continue
		}
		matched = append(matched, b.Clone())
	}
	s.mu.RUnlock()

	cmp, ok := sortKeys[f.SortBy]
	if !ok {
		cmp = sortKeys["start_time"]
	}
	desc := f.SortOrder != "asc" && f.SortOrder != "ASC"
	sort.Slice(matched, func(i, j int) bool {
		c := cmp(matched[i], matched[j])
		if c == 0 {
			return matched[i].ID < matched[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	total := len(matched)
	from := (f.Page - 1) * f.PageSize
	if from >= total {
		return nil, total, nil
	}
	to := min(from+f.PageSize, total)
	return matched[from:to], total, nil
}

func (s *Store) ActiveIntervals(ctx context.Context, businessID string, from, to time.Time) ([]slot.Interval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var busy []slot.Interval
	for _, b := range s.bookings {
		if b.BusinessID != businessID || !b.Status.Active() {
			continue
		}
		if b.StartTime.Before(to) && b.EndTime.After(from) {
			busy = append(busy, slot.Interval{Start: b.StartTime, End: b.EndTime})
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

func (s *Store) Transition(ctx context.Context, id string, fn booking.TransitionFunc) (*booking.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}

	next := current.Clone()
	events, err := fn(next)
	if err != nil {
		return nil, err
	}
	if next.SameState(current) {
		return current.Clone(), nil
	}

	if next.PaymentIntentID != nil {
		if owner, taken := s.intents[*next.PaymentIntentID]; taken && owner != id {
			return nil, booking.ErrIntentInUse
		}
		s.intents[*next.PaymentIntentID] = id
	}
	next.UpdatedAt = time.Now().UTC()
	s.bookings[id] = next
	s.events = append(s.events, events...)
	return next.Clone(), nil
}

func (s *Store) CompleteDue(ctx context.Context, now time.Time, limit int, event func(*booking.Booking) (outbox.Event, error)) ([]*booking.Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*booking.Booking
	for _, b := range s.bookings {
		if b.Status == booking.StatusConfirmed && !b.EndTime.After(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].EndTime.Equal(due[j].EndTime) {
			return due[i].EndTime.Before(due[j].EndTime)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	completed := make([]*booking.Booking, 0, len(due))
	events := make([]outbox.Event, 0, len(due))
	for _, b := range due {
		next := b.Clone()
		next.Status = booking.StatusCompleted
		e, err := event(next)
		if err != nil {
			return nil, err
		}
		completed = append(completed, next)
		events = append(events, e)
	}

	stamp := time.Now().UTC()
	for _, b := range completed {
		b.UpdatedAt = stamp
		s.bookings[b.ID] = b.Clone()
	}
	s.events = append(s.events, events...)
	return completed, nil
}

// Outbox

func (s *Store) Drain(ctx context.Context, limit int, publish func(ctx context.Context, e outbox.Event) error) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.RLock()
	var pending []outbox.Event
	for _, e := range s.events {
		if e.PublishedAt == nil {
			pending = append(pending, e)
			if len(pending) == limit {
				break
			}
		}
	}
	s.mu.RUnlock()

	published := make(map[string]bool, len(pending))
	var publishErr error
	for _, e := range pending {
		if publishErr = publish(ctx, e); publishErr != nil {
			break
		}
		published[e.ID] = true
	}

	if len(published) > 0 {
		now := time.Now().UTC()
		s.mu.Lock()
		for i := range s.events {
			if published[s.events[i].ID] {
				s.events[i].PublishedAt = &now
			}
		}
		s.mu.Unlock()
	}
	return len(published), publishErr
}

// Events returns a copy of every event written so far, in commit order.
func (s *Store) Events() []outbox.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]outbox.Event(nil), s.events...)
}
