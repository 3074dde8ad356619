package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/invorto-ai/invorto/pkg/types"
)

// Booking is one confirmed calendar slot.
type Booking struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Calendar is a minimal in-memory schedule backing the calendar tools. It
// exists so phone agents can quote availability and take bookings without a
// calendar provider integration; swap it out per deployment as needed.
type Calendar struct {
	slotLen time.Duration

	mu       sync.Mutex
	bookings []Booking
	now      func() time.Time
}

// NewCalendar creates a calendar with the given bookable slot length.
func NewCalendar(slotLen time.Duration) *Calendar {
	if slotLen <= 0 {
		slotLen = 30 * time.Minute
	}
	return &Calendar{slotLen: slotLen, now: time.Now}
}

// Available returns the free slots between from and to, capped at limit.
func (c *Calendar) Available(from, to time.Time, limit int) []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	var free []time.Time
	for start := from.Truncate(c.slotLen); start.Before(to); start = start.Add(c.slotLen) {
		if start.Before(c.now()) {
			continue
		}
		if !c.overlapsLocked(start, start.Add(c.slotLen)) {
			free = append(free, start)
			if limit > 0 && len(free) >= limit {
				break
			}
		}
	}
	return free
}

// Book reserves one slot. Fails when the slot overlaps an existing booking.
func (c *Calendar) Book(name string, start time.Time) (Booking, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := start.Add(c.slotLen)
	if c.overlapsLocked(start, end) {
		return Booking{}, fmt.Errorf("slot at %s is already taken", start.Format(time.RFC3339))
	}
	b := Booking{ID: uuid.NewString(), Name: name, Start: start, End: end}
	c.bookings = append(c.bookings, b)
	sort.Slice(c.bookings, func(i, j int) bool { return c.bookings[i].Start.Before(c.bookings[j].Start) })
	return b, nil
}

// Cancel removes a booking by ID.
func (c *Calendar) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range c.bookings {
		if b.ID == id {
			c.bookings = append(c.bookings[:i], c.bookings[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no booking with id %q", id)
}

func (c *Calendar) overlapsLocked(start, end time.Time) bool {
	for _, b := range c.bookings {
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}

// RegisterCalendarTools adds "calendar_availability" and "calendar_book" on
// top of the given schedule.
func RegisterCalendarTools(e *Executor, cal *Calendar) error {
	availDef := types.ToolDefinition{
		Name:        "calendar_availability",
		Description: "Lists free appointment slots in a date range. Times are RFC 3339.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"from":  map[string]any{"type": "string", "format": "date-time"},
				"to":    map[string]any{"type": "string", "format": "date-time"},
				"limit": map[string]any{"type": "integer", "minimum": 1.0, "maximum": 20.0},
			},
			"required": []any{"from", "to"},
		},
		Idempotent: true,
	}
	if err := e.Register(availDef, func(_ context.Context, args string) (string, error) {
		var req struct {
			From  time.Time `json:"from"`
			To    time.Time `json:"to"`
			Limit int       `json:"limit"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return "", fmt.Errorf("decode availability arguments: %w", err)
		}
		if req.Limit == 0 {
			req.Limit = 5
		}
		slots := cal.Available(req.From, req.To, req.Limit)
		formatted := make([]string, len(slots))
		for i, s := range slots {
			formatted[i] = s.Format(time.RFC3339)
		}
		out, err := json.Marshal(map[string]any{"slots": formatted})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}); err != nil {
		return err
	}

	bookDef := types.ToolDefinition{
		Name:        "calendar_book",
		Description: "Books an appointment slot for a caller. The start time must come from calendar_availability.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":  map[string]any{"type": "string", "minLength": 1.0},
				"start": map[string]any{"type": "string", "format": "date-time"},
			},
			"required": []any{"name", "start"},
		},
	}
	return e.Register(bookDef, func(_ context.Context, args string) (string, error) {
		var req struct {
			Name  string    `json:"name"`
			Start time.Time `json:"start"`
		}
		if err := json.Unmarshal([]byte(args), &req); err != nil {
			return "", fmt.Errorf("decode booking arguments: %w", err)
		}
		booking, err := cal.Book(req.Name, req.Start)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(booking)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}
