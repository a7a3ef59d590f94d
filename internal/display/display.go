// Package display is the surface classified payloads are pushed to.
package display

import (
	"sync"

	"tripdesk/internal/domain"
)

// Sink receives classified payloads. A nil argument clears that panel.
type Sink interface {
	OnItineraryUpdate(*domain.Itinerary)
	OnBudgetUpdate(*domain.Budget)
	OnWeatherUpdate(*domain.Weather)
	OnRestaurantUpdate(*domain.Restaurant)
}

// Funcs adapts plain callbacks to a Sink. Nil callbacks are skipped.
type Funcs struct {
	Itinerary  func(*domain.Itinerary)
	Budget     func(*domain.Budget)
	Weather    func(*domain.Weather)
	Restaurant func(*domain.Restaurant)
}

func (f Funcs) OnItineraryUpdate(v *domain.Itinerary) {
	if f.Itinerary != nil {
		f.Itinerary(v)
	}
}

func (f Funcs) OnBudgetUpdate(v *domain.Budget) {
	if f.Budget != nil {
		f.Budget(v)
	}
}

func (f Funcs) OnWeatherUpdate(v *domain.Weather) {
	if f.Weather != nil {
		f.Weather(v)
	}
}

func (f Funcs) OnRestaurantUpdate(v *domain.Restaurant) {
	if f.Restaurant != nil {
		f.Restaurant(v)
	}
}

// Forward pushes a non-budget payload to its panel. Budgets must pass the approval gate
// and are forwarded by the caller; Forward reports false for them and for unrecognized
// payloads.
func Forward(sink Sink, p domain.ClassifiedPayload) bool {
	switch p.Kind {
	case domain.KindItinerary:
		sink.OnItineraryUpdate(p.Itinerary)
	case domain.KindWeather:
		sink.OnWeatherUpdate(p.Weather)
	case domain.KindRestaurant:
		sink.OnRestaurantUpdate(p.Restaurant)
	default:
		return false
	}
	return true
}

// Clear resets every panel.
func Clear(sink Sink) {
	sink.OnItineraryUpdate(nil)
	sink.OnBudgetUpdate(nil)
	sink.OnWeatherUpdate(nil)
	sink.OnRestaurantUpdate(nil)
}

// Snapshot is the current content of every panel.
type Snapshot struct {
	Itinerary  *domain.Itinerary  `json:"itinerary"`
	Budget     *domain.Budget     `json:"budget"`
	Weather    *domain.Weather    `json:"weather"`
	Restaurant *domain.Restaurant `json:"restaurant"`
}

// Board is a Sink that keeps the last value pushed to each panel.
type Board struct {
	mu   sync.RWMutex
	snap Snapshot
}

func (b *Board) OnItineraryUpdate(v *domain.Itinerary) {
	b.mu.Lock()
	b.snap.Itinerary = v
	b.mu.Unlock()
}

func (b *Board) OnBudgetUpdate(v *domain.Budget) {
	b.mu.Lock()
	b.snap.Budget = v
	b.mu.Unlock()
}

func (b *Board) OnWeatherUpdate(v *domain.Weather) {
	b.mu.Lock()
	b.snap.Weather = v
	b.mu.Unlock()
}

func (b *Board) OnRestaurantUpdate(v *domain.Restaurant) {
	b.mu.Lock()
	b.snap.Restaurant = v
	b.mu.Unlock()
}

func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// Tee fans every update out to several sinks in order.
type Tee []Sink

func (t Tee) OnItineraryUpdate(v *domain.Itinerary) {
	for _, s := range t {
		s.OnItineraryUpdate(v)
	}
}

func (t Tee) OnBudgetUpdate(v *domain.Budget) {
	for _, s := range t {
		s.OnBudgetUpdate(v)
	}
}

func (t Tee) OnWeatherUpdate(v *domain.Weather) {
	for _, s := range t {
		s.OnWeatherUpdate(v)
	}
}

func (t Tee) OnRestaurantUpdate(v *domain.Restaurant) {
	for _, s := range t {
		s.OnRestaurantUpdate(v)
	}
}
