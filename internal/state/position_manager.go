package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Position is a user's supply and borrow holding. Any address has an
// implicit zero position; there is no registration step.
type Position struct {
	Shares     *uint256.Int `json:"shares"`
	DebtShares *uint256.Int `json:"debt_shares"`
}

// ZeroPosition returns a position with both fields zero.
func ZeroPosition() Position {
	return Position{Shares: new(uint256.Int), DebtShares: new(uint256.Int)}
}

// normalized fills nil fields with zero.
func (p Position) normalized() Position {
	if p.Shares == nil {
		p.Shares = new(uint256.Int)
	}
	if p.DebtShares == nil {
		p.DebtShares = new(uint256.Int)
	}
	return p
}

// IsFlat reports whether the position holds nothing.
func (p Position) IsFlat() bool {
	p = p.normalized()
	return p.Shares.IsZero() && p.DebtShares.IsZero()
}

// Positions is read access to committed positions.
type Positions interface {
	Position(addr common.Address) Position
}

// PositionManager stores committed positions
type PositionManager struct {
	positions map[common.Address]Position
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[common.Address]Position),
	}
}

// Position returns the position for addr, zero if never touched.
func (pm *PositionManager) Position(addr common.Address) Position {
	if p, ok := pm.positions[addr]; ok {
		return p
	}
	return ZeroPosition()
}

// Set stores p. Flat positions are dropped from the map.
func (pm *PositionManager) Set(addr common.Address, p Position) {
	p = p.normalized()
	if p.IsFlat() {
		delete(pm.positions, addr)
		return
	}
	pm.positions[addr] = p
}

// PositionEntry pairs an address with its position.
type PositionEntry struct {
	Address  common.Address `json:"address"`
	Position Position       `json:"position"`
}

// All returns every non-flat position ordered by address.
func (pm *PositionManager) All() []PositionEntry {
	out := make([]PositionEntry, 0, len(pm.positions))
	for addr, p := range pm.positions {
		out = append(out, PositionEntry{Address: addr, Position: Position{Shares: p.Shares.Clone(), DebtShares: p.DebtShares.Clone()}})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// Restore replaces all positions.
func (pm *PositionManager) Restore(entries []PositionEntry) {
	pm.positions = make(map[common.Address]Position, len(entries))
	for _, e := range entries {
		pm.Set(e.Address, e.Position)
	}
}

// Count returns the number of non-flat positions.
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}

// Apply commits positions touched by a transaction.
func (pm *PositionManager) Apply(entries []PositionEntry) {
	for _, e := range entries {
		pm.Set(e.Address, e.Position)
	}
}
