package wallet

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"DepositEngine/internal/state"
)

type Mode string

const (
	// ModePersonal draws from addresses bound to the user.
	ModePersonal Mode = "personal"
	// ModeActivation draws from the shared pool bound to no user.
	ModeActivation Mode = "activation"
)

// ModeFor maps a deposit purpose to the pool it is paid into.
func ModeFor(p state.Purpose) Mode {
	if p == state.PurposeActivation {
		return ModeActivation
	}
	return ModePersonal
}

// Assignment is a provisioned deposit address. UserID is empty for
// shared-pool entries.
type Assignment struct {
	ID        uuid.UUID `json:"id"`
	Currency  string    `json:"currency"`
	Network   string    `json:"network"`
	UserID    string    `json:"user_id,omitempty"`
	Address   string    `json:"address"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *Assignment) Shared() bool {
	return a.UserID == ""
}

func (a *Assignment) Destination() state.Destination {
	return state.Destination{
		AssignmentID: a.ID,
		Address:      a.Address,
		Memo:         a.Memo,
		Shared:       a.Shared(),
	}
}

// Source is the read-only view of provisioned assignments.
type Source interface {
	UserAssignments(ctx context.Context, key state.AssetKey, userID string) ([]Assignment, error)
	SharedAssignments(ctx context.Context, key state.AssetKey) ([]Assignment, error)
}

// Resolver picks the address a user should pay into.
type Resolver struct {
	source Source
	pick   func(n int) int
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source, pick: rand.Intn}
}

// WithPicker replaces the shared-pool picker. pick(n) must return a value in [0, n).
func (r *Resolver) WithPicker(pick func(n int) int) *Resolver {
	r.pick = pick
	return r
}

// Resolve returns the destination for (currency, network, user, mode).
// state.ErrNoWalletAvailable means nothing is provisioned for the pair.
func (r *Resolver) Resolve(ctx context.Context, currency, network, userID string, mode Mode) (*Assignment, error) {
	key := state.NormalizeAssetKey(currency, network)

	switch mode {
	case ModePersonal:
		if strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("%w: user id is required for personal mode", state.ErrInvalidRequest)
		}
		list, err := r.source.UserAssignments(ctx, key, userID)
		if err != nil {
			return nil, fmt.Errorf("load user assignments %s: %w", key, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: no personal address for %s", state.ErrNoWalletAvailable, key)
		}
		// Repeated views must show the same address: first by creation order.
		sortByCreation(list)
		a := list[0]
		return &a, nil

	case ModeActivation:
		list, err := r.source.SharedAssignments(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load shared assignments %s: %w", key, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: shared pool empty for %s", state.ErrNoWalletAvailable, key)
		}
		sortByCreation(list)
		a := list[r.pick(len(list))]
		return &a, nil
	}

	return nil, fmt.Errorf("%w: unknown wallet mode %q", state.ErrInvalidRequest, mode)
}

// Verify checks that a destination the caller already displayed belongs to
// the pool Resolve would have drawn from. Address and memo must both match.
func (r *Resolver) Verify(ctx context.Context, currency, network, userID string, mode Mode, address, memo string) (*Assignment, error) {
	key := state.NormalizeAssetKey(currency, network)
	address = strings.TrimSpace(address)
	memo = strings.TrimSpace(memo)

	var (
		list []Assignment
		err  error
	)
	switch mode {
	case ModePersonal:
		list, err = r.source.UserAssignments(ctx, key, userID)
	case ModeActivation:
		list, err = r.source.SharedAssignments(ctx, key)
	default:
		return nil, fmt.Errorf("%w: unknown wallet mode %q", state.ErrInvalidRequest, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("load assignments %s: %w", key, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: nothing provisioned for %s", state.ErrNoWalletAvailable, key)
	}
	for i := range list {
		if list[i].Address == address && list[i].Memo == memo {
			a := list[i]
			return &a, nil
		}
	}
	if memo != "" {
		return nil, fmt.Errorf("%w: %s memo %s on %s", state.ErrDestinationNotAssigned, address, memo, key)
	}
	return nil, fmt.Errorf("%w: %s on %s", state.ErrDestinationNotAssigned, address, key)
}

func sortByCreation(list []Assignment) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
}
