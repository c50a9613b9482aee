package calendar

import (
	"time"

	"angelone-bridge/internal/models"
)

// Registry maps exchange segments to calendars.
type Registry struct {
	fallback *Calendar
	byEx     map[models.Exchange]*Calendar
}

// NewRegistry returns a registry answering every segment with fallback.
func NewRegistry(fallback *Calendar) *Registry {
	return &Registry{fallback: fallback, byEx: make(map[models.Exchange]*Calendar)}
}

// DefaultRegistry builds equity, commodity and currency calendars sharing holidays.
func DefaultRegistry(holidays []time.Time) *Registry {
	r := NewRegistry(New(EquityWindow(), holidays))
	r.Set(models.MCX, New(CommodityWindow(), holidays))
	r.Set(models.CDS, New(CurrencyWindow(), holidays))
	return r
}

// Set assigns a calendar to ex. Call during construction only.
func (r *Registry) Set(ex models.Exchange, c *Calendar) {
	r.byEx[ex] = c
}

// For returns the calendar for ex.
func (r *Registry) For(ex models.Exchange) *Calendar {
	if c, ok := r.byEx[ex]; ok {
		return c
	}
	return r.fallback
}

// IsOpen reports whether ex is trading at t.
func (r *Registry) IsOpen(ex models.Exchange, t time.Time) bool {
	return r.For(ex).IsOpen(t)
}

// NextOpen returns the next open instant for ex.
func (r *Registry) NextOpen(ex models.Exchange, t time.Time) time.Time {
	return r.For(ex).NextOpen(t)
}

// NextClose returns the next close instant for ex.
func (r *Registry) NextClose(ex models.Exchange, t time.Time) time.Time {
	return r.For(ex).NextClose(t)
}
