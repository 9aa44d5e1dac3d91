// Package flight implements the flight agent: a tool provider for flight
// search, details, booking, and cancellation, plus the agent runtime wiring
// that exposes those tools as actions.
package flight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/voyantlabs/concourse/internal/models"
	"github.com/voyantlabs/concourse/internal/store"
	"github.com/voyantlabs/concourse/internal/tools"
	"gorm.io/gorm"
)

// ProviderName identifies the flight tool provider.
const ProviderName = "flight-data"

var airlines = []struct {
	name string
	code string
}{
	{"United Airlines", "UA"},
	{"Delta", "DL"},
	{"American Airlines", "AA"},
	{"JetBlue", "B6"},
	{"Southwest", "WN"},
}

// offerCount is how many offers a search returns.
const offerCount = 5

// ProviderOpts configures the flight tool provider.
type ProviderOpts struct {
	DB *gorm.DB
	// Seed makes offer generation deterministic when non-zero.
	Seed int64
}

// NewProvider builds the flight-data tool provider. Bookings are persisted
// through db so cancellations act on real records.
func NewProvider(opts ProviderOpts) (*tools.Provider, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("flight: db is required")
	}
	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewSource(opts.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	g := &generator{db: opts.DB, rng: rng}

	p := tools.NewProvider(ProviderName, "1.0.0")

	registrations := []struct {
		tool tools.Tool
		exec tools.ExecFunc
	}{
		{tools.Tool{
			Name:        "search_flights",
			Description: "Search for available flights",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"origin":      map[string]any{"type": "string", "description": "Origin airport code"},
					"destination": map[string]any{"type": "string", "description": "Destination airport code"},
					"date":        map[string]any{"type": "string", "description": "Departure date (YYYY-MM-DD)"},
					"passengers":  map[string]any{"type": "integer", "description": "Number of passengers"},
				},
				"required": []any{"origin", "destination", "date", "passengers"},
			},
		}, g.searchFlights},
		{tools.Tool{
			Name:        "get_flight_details",
			Description: "Get detailed information about a specific flight",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"flight_id": map[string]any{"type": "string", "description": "Flight ID"},
				},
				"required": []any{"flight_id"},
			},
		}, g.flightDetails},
		{tools.Tool{
			Name:        "book_flight",
			Description: "Book a flight",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"flight_id":         map[string]any{"type": "string"},
					"passenger_details": map[string]any{"type": "object"},
				},
				"required": []any{"flight_id", "passenger_details"},
			},
		}, g.bookFlight},
		{tools.Tool{
			Name:        "cancel_booking",
			Description: "Cancel a flight booking by its booking reference",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"booking_reference": map[string]any{"type": "string"},
				},
				"required": []any{"booking_reference"},
			},
		}, g.cancelBooking},
	}
	for _, r := range registrations {
		if err := p.Register(r.tool, r.exec); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// generator produces mock flight data and persists bookings.
type generator struct {
	db  *gorm.DB
	mu  sync.Mutex
	rng *rand.Rand
}

func (g *generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

// searchFlights returns offerCount offers sorted ascending by total price.
func (g *generator) searchFlights(ctx context.Context, args map[string]any, _ map[string]any) (any, error) {
	origin, _ := args["origin"].(string)
	destination, _ := args["destination"].(string)
	date, _ := args["date"].(string)
	passengers := intArg(args, "passengers")
	if origin == "" || destination == "" || date == "" {
		return nil, fmt.Errorf("origin, destination and date are required")
	}
	if passengers <= 0 {
		return nil, fmt.Errorf("passengers must be positive")
	}
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("date %q is not YYYY-MM-DD", date)
	}

	flights := make([]map[string]any, 0, offerCount)
	for i := 0; i < offerCount; i++ {
		departure := day.Add(time.Duration(6+i*3) * time.Hour)
		arrival := departure.Add(time.Duration(2+g.intn(7)) * time.Hour)
		perPerson := 200 + g.intn(601)
		carrier := airlines[g.intn(len(airlines))]

		flights = append(flights, map[string]any{
			"flight_id":        fmt.Sprintf("FL%d", 1000+g.intn(9000)),
			"airline":          carrier.name,
			"flight_number":    fmt.Sprintf("%s%d", carrier.code, 100+g.intn(900)),
			"origin":           origin,
			"destination":      destination,
			"departure_time":   departure.Format(time.RFC3339),
			"arrival_time":     arrival.Format(time.RFC3339),
			"duration_minutes": int(arrival.Sub(departure).Minutes()),
			"stops":            []int{0, 0, 0, 1}[g.intn(4)],
			"price": map[string]any{
				"amount":     perPerson * passengers,
				"currency":   "USD",
				"per_person": perPerson,
			},
			"seats_available": 5 + g.intn(46),
			"cabin_class":     "Economy",
			"baggage": map[string]any{
				"carry_on": 1,
				"checked":  g.intn(3),
			},
		})
	}

	// Cheapest first.
	for i := 1; i < len(flights); i++ {
		for j := i; j > 0 && totalPrice(flights[j]) < totalPrice(flights[j-1]); j-- {
			flights[j], flights[j-1] = flights[j-1], flights[j]
		}
	}
	return flights, nil
}

func totalPrice(f map[string]any) int {
	price, _ := f["price"].(map[string]any)
	amount, _ := price["amount"].(int)
	return amount
}

// flightDetails returns an expanded record for one flight.
func (g *generator) flightDetails(ctx context.Context, args map[string]any, _ map[string]any) (any, error) {
	flightID, _ := args["flight_id"].(string)
	if flightID == "" {
		return nil, fmt.Errorf("flight_id is required")
	}
	return map[string]any{
		"flight_id":     flightID,
		"airline":       "United Airlines",
		"flight_number": "UA123",
		"aircraft":      "Boeing 737-800",
		"origin": map[string]any{
			"code":     "SFO",
			"name":     "San Francisco International Airport",
			"terminal": "3",
		},
		"destination": map[string]any{
			"code":     "NRT",
			"name":     "Narita International Airport",
			"terminal": "1",
		},
		"departure_time":      "2025-12-01T10:00:00",
		"arrival_time":        "2025-12-02T14:00:00",
		"duration_minutes":    660,
		"stops":               0,
		"price":               map[string]any{"amount": 1200, "currency": "USD"},
		"amenities":           []string{"WiFi", "In-flight entertainment", "Meals included"},
		"cancellation_policy": "Free cancellation up to 24 hours before departure",
	}, nil
}

// bookFlight confirms a booking and persists the record so cancellation can
// act on it later.
func (g *generator) bookFlight(ctx context.Context, args map[string]any, callCtx map[string]any) (any, error) {
	flightID, _ := args["flight_id"].(string)
	if flightID == "" {
		return nil, fmt.Errorf("flight_id is required")
	}
	passengers, _ := args["passenger_details"].(map[string]any)
	if passengers == nil {
		return nil, fmt.Errorf("passenger_details is required")
	}

	workflowID := ""
	if callCtx != nil {
		workflowID, _ = callCtx["workflow_id"].(string)
	}
	detailsJSON, err := json.Marshal(passengers)
	if err != nil {
		return nil, fmt.Errorf("marshal passenger details: %w", err)
	}

	// References are random draws, so a draw can land on another booking's
	// reference. Redraw on collision instead of returning the foreign row.
	var booking *models.Booking
	for attempt := 0; booking == nil; attempt++ {
		reference := fmt.Sprintf("BOOK%06d", g.intn(900000)+100000)
		b, err := store.CreateBooking(g.db, &models.Booking{
			Reference:        reference,
			FlightID:         flightID,
			WorkflowID:       workflowID,
			Status:           models.BookingConfirmed,
			PassengerDetails: string(detailsJSON),
			ETicketURL:       "https://example.com/eticket/" + reference,
		})
		if errors.Is(err, store.ErrBookingExists) {
			if attempt >= 4 {
				return nil, fmt.Errorf("allocate booking reference: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		booking = b
	}

	return map[string]any{
		"success":                 true,
		"booking_reference":       booking.Reference,
		"flight_id":               flightID,
		"status":                  "confirmed",
		"passengers":              passengers,
		"confirmation_email_sent": true,
		"eticket_url":             booking.ETicketURL,
	}, nil
}

// cancelBooking marks the booking cancelled. Unknown references are reported
// as failures; repeated cancellation of the same reference succeeds.
func (g *generator) cancelBooking(ctx context.Context, args map[string]any, _ map[string]any) (any, error) {
	reference, _ := args["booking_reference"].(string)
	if reference == "" {
		return nil, fmt.Errorf("booking_reference is required")
	}
	booking, err := store.GetBooking(g.db, reference)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, fmt.Errorf("booking %q not found", reference)
	}
	if err := store.CancelBooking(g.db, reference); err != nil {
		return nil, err
	}
	return map[string]any{
		"success":           true,
		"booking_reference": reference,
		"status":            models.BookingCancelled,
	}, nil
}

// intArg coerces a JSON numeric argument to int.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
