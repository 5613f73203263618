/*
Package bloodtype defines the eight ABO/Rh blood types and the static
compatibility model the allocation engine draws on.

PURPOSE:
  BloodType is the key for everything in the inventory: units are stored
  per type, counted per type, and drawn per type. The Model (model.go)
  answers the only two questions the planner asks about types:
    - which donor types may be transfused into a recipient type
    - how rare a type is, so scarce stock can be conserved

KEY CONCEPTS:
  - BloodType: closed enumeration {O+, O-, A+, A-, B+, B-, AB+, AB-}
  - Parse:     strict conversion from user input (trimmed, case-insensitive)
  - Model:     immutable compatibility table + rarity weights

INVALID INPUT:
  Anything outside the eight values fails with ErrInvalidBloodType, wrapped
  in an *InvalidError carrying the offending value.

SEE ALSO:
  - model.go: Compatibility table and rarity weights
  - factory/model.go: Loading an alternate model from YAML/JSON
*/
package bloodtype

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// BLOOD TYPE
// =============================================================================

// BloodType is one of the eight fixed ABO/Rh categories.
type BloodType string

const (
	OPos  BloodType = "O+"
	ONeg  BloodType = "O-"
	APos  BloodType = "A+"
	ANeg  BloodType = "A-"
	BPos  BloodType = "B+"
	BNeg  BloodType = "B-"
	ABPos BloodType = "AB+"
	ABNeg BloodType = "AB-"
)

// UniversalDonor is drawn from when there is no time for a compatibility lookup.
const UniversalDonor = ONeg

// canonical order, used for listings and stock dashboards
var all = [...]BloodType{OPos, ONeg, APos, ANeg, BPos, BNeg, ABPos, ABNeg}

// All returns the eight blood types in canonical order.
func All() []BloodType {
	out := make([]BloodType, len(all))
	copy(out, all[:])
	return out
}

func (b BloodType) String() string { return string(b) }

// Valid reports whether b is one of the eight known types.
func (b BloodType) Valid() bool {
	for _, t := range all {
		if t == b {
			return true
		}
	}
	return false
}

// Validate returns an *InvalidError when b is not a known type.
func (b BloodType) Validate() error {
	if !b.Valid() {
		return &InvalidError{Value: string(b)}
	}
	return nil
}

// Parse converts user input into a BloodType.
// Surrounding whitespace is ignored and letters are matched case-insensitively.
func Parse(s string) (BloodType, error) {
	b := BloodType(strings.ToUpper(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", &InvalidError{Value: s}
	}
	return b, nil
}

// MustParse is Parse for constants and test fixtures.
func MustParse(s string) BloodType {
	b, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return b
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidBloodType is returned for any category outside the eight-value set.
var ErrInvalidBloodType = errors.New("invalid blood type")

// InvalidError carries the rejected value.
type InvalidError struct {
	Value string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid blood type: %q", e.Value)
}

func (e *InvalidError) Unwrap() error {
	return ErrInvalidBloodType
}
