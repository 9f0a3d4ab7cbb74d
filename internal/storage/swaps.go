package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/swap"
)

// SwapSummary is one row of the swap listing: the latest known state of
// a swap.
type SwapSummary struct {
	SwapID    uuid.UUID
	Role      swap.Role
	StateName string
	UpdatedAt time.Time
}

// InsertLatestState appends a serialized state to the swap's history,
// making it the latest.
func (s *Storage) InsertLatestState(swapID uuid.UUID, role swap.Role, stateName string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO swap_states (swap_id, role, state_name, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, swapID.String(), string(role), stateName, state, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert swap state: %w", err)
	}
	return nil
}

// GetState returns the latest stored state for a swap.
func (s *Storage) GetState(swapID uuid.UUID) (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		stateName string
		state     []byte
	)
	err := s.db.QueryRow(`
		SELECT state_name, state FROM swap_states
		WHERE swap_id = ? ORDER BY id DESC LIMIT 1
	`, swapID.String()).Scan(&stateName, &state)
	if isNoRows(err) {
		return "", nil, swap.ErrSwapNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load swap state: %w", err)
	}
	return stateName, state, nil
}

// GetStateHistory returns the state names a swap has passed through, in
// order.
func (s *Storage) GetStateHistory(swapID uuid.UUID) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT state_name FROM swap_states WHERE swap_id = ? ORDER BY id
	`, swapID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load swap history: %w", err)
	}
	defer rows.Close()

	var history []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		history = append(history, name)
	}
	return history, rows.Err()
}

// GetRole returns the role this node plays in a swap.
func (s *Storage) GetRole(swapID uuid.UUID) (swap.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var role string
	err := s.db.QueryRow(`
		SELECT role FROM swap_states WHERE swap_id = ? ORDER BY id DESC LIMIT 1
	`, swapID.String()).Scan(&role)
	if isNoRows(err) {
		return "", swap.ErrSwapNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load swap role: %w", err)
	}
	return swap.Role(role), nil
}

// ListSwaps returns the latest state of every known swap, most recently
// updated first.
func (s *Storage) ListSwaps() ([]SwapSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT swap_id, role, state_name, MAX(created_at)
		FROM swap_states GROUP BY swap_id ORDER BY MAX(id) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}
	defer rows.Close()

	var swaps []SwapSummary
	for rows.Next() {
		var (
			idStr     string
			role      string
			stateName string
			updatedAt int64
		)
		if err := rows.Scan(&idStr, &role, &stateName, &updatedAt); err != nil {
			return nil, err
		}
		swapID, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("bad swap id %q: %w", idStr, err)
		}
		swaps = append(swaps, SwapSummary{
			SwapID:    swapID,
			Role:      swap.Role(role),
			StateName: stateName,
			UpdatedAt: time.Unix(updatedAt, 0),
		})
	}
	return swaps, rows.Err()
}

// UnfinishedSwaps returns the swaps whose latest state is not terminal
// for its role. These are the swaps the daemon resumes on startup.
func (s *Storage) UnfinishedSwaps() ([]SwapSummary, error) {
	all, err := s.ListSwaps()
	if err != nil {
		return nil, err
	}
	var open []SwapSummary
	for _, sw := range all {
		switch sw.Role {
		case swap.RoleMaker:
			if !swap.MakerState(sw.StateName).IsTerminal() {
				open = append(open, sw)
			}
		case swap.RoleTaker:
			if !swap.TakerState(sw.StateName).IsTerminal() {
				open = append(open, sw)
			}
		}
	}
	return open, nil
}

var _ swap.Database = (*Storage)(nil)
