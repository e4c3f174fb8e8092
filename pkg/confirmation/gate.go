// Package confirmation parks settlement executions until an external system
// confirms them, and resolves or expires the parked confirmations.
//
// The gate holds no state of its own. Every operation runs inside the caller's
// store transaction so the confirmation row changes atomically with the
// execution it guards.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

// DefaultWindow is how long a confirmation stays pending before it expires.
const DefaultWindow = 7 * 24 * time.Hour

// ErrInvalidOutcome is returned when Resolve is asked for anything other than
// confirmed or rejected.
var ErrInvalidOutcome = errors.New("confirmation outcome must be confirmed or rejected")

// Gate creates and resolves confirmations.
type Gate struct {
	window time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewGate creates a gate. A non-positive window means DefaultWindow.
func NewGate(window time.Duration) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Gate{
		window: window,
		clock:  time.Now,
		logger: slog.Default().With("component", "confirmation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Now returns the gate's current time.
func (g *Gate) Now() time.Time { return g.clock() }

// Window returns the default expiry window.
func (g *Gate) Window() time.Duration { return g.window }

// RequestConfirmation inserts a pending confirmation for exec. A non-positive
// window uses the gate default.
func (g *Gate) RequestConfirmation(ctx context.Context, tx store.Tx, exec *contracts.Execution, source, entityRef string, window time.Duration) (*contracts.Confirmation, error) {
	if window <= 0 {
		window = g.window
	}
	now := g.clock()
	c := &contracts.Confirmation{
		ID:                uuid.New().String(),
		ExecutionID:       exec.ID,
		ContractID:        exec.ContractID,
		Source:            source,
		ExternalEntityRef: entityRef,
		Status:            contracts.ConfirmationPending,
		ExpiresAt:         now.Add(window),
		CreatedAt:         now,
	}
	if err := tx.InsertConfirmation(ctx, c); err != nil {
		return nil, fmt.Errorf("request confirmation for %s: %w", exec.ID, err)
	}
	return c, nil
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Confirmation *contracts.Confirmation
	// Status is the confirmation status after the call.
	Status contracts.ConfirmationStatus
	// Resume is true only when this call moved the confirmation to confirmed.
	Resume bool
	// AlreadyResolved is true when the confirmation was terminal before the call.
	AlreadyResolved bool
}

// Resolve applies outcome to a pending confirmation. A confirmation past its
// expiry becomes expired whatever the outcome. Resolving a terminal
// confirmation changes nothing.
func (g *Gate) Resolve(ctx context.Context, tx store.Tx, confirmationID string, outcome contracts.ConfirmationStatus, metadata map[string]any) (Resolution, error) {
	if outcome != contracts.ConfirmationConfirmed && outcome != contracts.ConfirmationRejected {
		return Resolution{}, ErrInvalidOutcome
	}
	c, err := tx.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load confirmation %s: %w", confirmationID, err)
	}
	if c.Status != contracts.ConfirmationPending {
		return Resolution{Confirmation: c, Status: c.Status, AlreadyResolved: true}, nil
	}

	now := g.clock()
	next := outcome
	if now.After(c.ExpiresAt) {
		next = contracts.ConfirmationExpired
		g.logger.InfoContext(ctx, "confirmation resolved after expiry",
			"confirmation_id", c.ID, "execution_id", c.ExecutionID, "requested", outcome)
	}

	err = tx.UpdateConfirmationStatus(ctx, c.ID, contracts.ConfirmationPending, next, now, metadata)
	if errors.Is(err, store.ErrStaleState) {
		// lost a race with another resolver
		cur, gerr := tx.GetConfirmation(ctx, c.ID)
		if gerr != nil {
			return Resolution{}, gerr
		}
		return Resolution{Confirmation: cur, Status: cur.Status, AlreadyResolved: true}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve confirmation %s: %w", c.ID, err)
	}

	c.Status = next
	c.ResolvedAt = &now
	return Resolution{
		Confirmation: c,
		Status:       next,
		Resume:       next == contracts.ConfirmationConfirmed,
	}, nil
}

// Expire moves up to limit overdue pending confirmations to expired and
// returns them.
func (g *Gate) Expire(ctx context.Context, tx store.Tx, limit int) ([]*contracts.Confirmation, error) {
	now := g.clock()
	overdue, err := tx.ListOverdueConfirmations(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	expired := make([]*contracts.Confirmation, 0, len(overdue))
	for _, c := range overdue {
		err := tx.UpdateConfirmationStatus(ctx, c.ID, contracts.ConfirmationPending, contracts.ConfirmationExpired, now, nil)
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("expire confirmation %s: %w", c.ID, err)
		}
		c.Status = contracts.ConfirmationExpired
		c.ResolvedAt = &now
		expired = append(expired, c)
	}
	return expired, nil
}
