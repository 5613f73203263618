package bloodtype

import (
	"errors"
	"fmt"
)

// =============================================================================
// DEFAULT TABLES
// =============================================================================

// Recipient -> acceptable donors, exact match first.
var defaultDonors = map[BloodType][]BloodType{
	ONeg:  {ONeg},
	OPos:  {OPos, ONeg},
	ANeg:  {ANeg, ONeg},
	APos:  {APos, OPos, ANeg, ONeg},
	BNeg:  {BNeg, ONeg},
	BPos:  {BPos, OPos, BNeg, ONeg},
	ABNeg: {ABNeg, ANeg, BNeg, ONeg},
	ABPos: {ABPos, APos, BPos, OPos, ABNeg, ANeg, BNeg, ONeg},
}

// Approximate population share in percent. Smaller = rarer.
var defaultRarity = map[BloodType]int{
	OPos: 32, APos: 34, BPos: 9, ABPos: 3,
	ONeg: 7, ANeg: 6, BNeg: 2, ABNeg: 1,
}

var defaultModel = mustModel(defaultDonors, defaultRarity)

// Default returns the built-in compatibility model.
// The returned Model is shared and immutable.
func Default() *Model { return defaultModel }

// DefaultTables returns copies of the built-in tables, e.g. as a base for overrides.
func DefaultTables() (map[BloodType][]BloodType, map[BloodType]int) {
	return defaultModel.Table(), defaultModel.Weights()
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the static compatibility table plus rarity weights.
//
// INVARIANTS:
//   - every blood type has a donor list whose first entry is itself
//   - every donor list contains UniversalDonor
//   - every blood type has a positive rarity weight
//   - no method mutates the model; all accessors return copies
type Model struct {
	donors map[BloodType][]BloodType
	rarity map[BloodType]int
}

// ErrInvalidModel is returned by NewModel when the tables break an invariant.
var ErrInvalidModel = errors.New("invalid compatibility model")

// NewModel validates and copies the given tables into an immutable Model.
func NewModel(donors map[BloodType][]BloodType, rarity map[BloodType]int) (*Model, error) {
	m := &Model{
		donors: make(map[BloodType][]BloodType, len(all)),
		rarity: make(map[BloodType]int, len(all)),
	}

	for recipient := range donors {
		if !recipient.Valid() {
			return nil, fmt.Errorf("%w: unknown recipient %q", ErrInvalidModel, recipient)
		}
	}
	for bt := range rarity {
		if !bt.Valid() {
			return nil, fmt.Errorf("%w: rarity weight for unknown type %q", ErrInvalidModel, bt)
		}
	}

	for _, recipient := range all {
		list, ok := donors[recipient]
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("%w: no donors for %s", ErrInvalidModel, recipient)
		}
		if list[0] != recipient {
			return nil, fmt.Errorf("%w: donors for %s must start with the exact match, got %s",
				ErrInvalidModel, recipient, list[0])
		}
		seen := make(map[BloodType]bool, len(list))
		for _, d := range list {
			if !d.Valid() {
				return nil, fmt.Errorf("%w: unknown donor %q for %s", ErrInvalidModel, d, recipient)
			}
			if seen[d] {
				return nil, fmt.Errorf("%w: duplicate donor %s for %s", ErrInvalidModel, d, recipient)
			}
			seen[d] = true
		}
		if !seen[UniversalDonor] {
			return nil, fmt.Errorf("%w: donors for %s must include universal donor %s",
				ErrInvalidModel, recipient, UniversalDonor)
		}
		m.donors[recipient] = append([]BloodType(nil), list...)

		w, ok := rarity[recipient]
		if !ok || w <= 0 {
			return nil, fmt.Errorf("%w: rarity weight for %s must be positive", ErrInvalidModel, recipient)
		}
		m.rarity[recipient] = w
	}

	return m, nil
}

func mustModel(donors map[BloodType][]BloodType, rarity map[BloodType]int) *Model {
	m, err := NewModel(donors, rarity)
	if err != nil {
		panic(err)
	}
	return m
}

// Donors returns every donor type acceptable for recipient, exact match first.
func (m *Model) Donors(recipient BloodType) ([]BloodType, error) {
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	return append([]BloodType(nil), m.donors[recipient]...), nil
}

// Alternatives returns the acceptable donor types for recipient excluding
// the recipient's own type, in table order.
func (m *Model) Alternatives(recipient BloodType) ([]BloodType, error) {
	if err := recipient.Validate(); err != nil {
		return nil, err
	}
	list := m.donors[recipient]
	out := make([]BloodType, 0, len(list))
	for _, d := range list {
		if d != recipient {
			out = append(out, d)
		}
	}
	return out, nil
}

// Recipients returns the types that donor can give to ("can give to" list),
// in canonical order.
func (m *Model) Recipients(donor BloodType) ([]BloodType, error) {
	if err := donor.Validate(); err != nil {
		return nil, err
	}
	var out []BloodType
	for _, r := range all {
		if m.CanDonate(donor, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CanDonate reports whether donor may be transfused into recipient.
func (m *Model) CanDonate(donor, recipient BloodType) bool {
	for _, d := range m.donors[recipient] {
		if d == donor {
			return true
		}
	}
	return false
}

// Rarity returns the population weight for b (0 for unknown types).
func (m *Model) Rarity(b BloodType) int {
	return m.rarity[b]
}

// Table returns a copy of the recipient -> donors table.
func (m *Model) Table() map[BloodType][]BloodType {
	out := make(map[BloodType][]BloodType, len(m.donors))
	for k, v := range m.donors {
		out[k] = append([]BloodType(nil), v...)
	}
	return out
}

// Weights returns a copy of the rarity weights.
func (m *Model) Weights() map[BloodType]int {
	out := make(map[BloodType]int, len(m.rarity))
	for k, v := range m.rarity {
		out[k] = v
	}
	return out
}
