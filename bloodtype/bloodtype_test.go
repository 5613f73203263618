package bloodtype_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bloodbank-engine/bloodtype"
)

func TestParse(t *testing.T) {
	cases := map[string]bloodtype.BloodType{
		"O+":   bloodtype.OPos,
		" o- ": bloodtype.ONeg,
		"ab+":  bloodtype.ABPos,
		"AB-":  bloodtype.ABNeg,
		"b+\n": bloodtype.BPos,
		"A-":   bloodtype.ANeg,
	}
	for in, want := range cases {
		got, err := bloodtype.Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "O", "C+", "AB", "A+-", "0+"} {
		_, err := bloodtype.Parse(in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, bloodtype.ErrInvalidBloodType)

		var invErr *bloodtype.InvalidError
		require.ErrorAs(t, err, &invErr)
		assert.Equal(t, in, invErr.Value)
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	types := bloodtype.All()
	require.Len(t, types, 8)
	types[0] = "X"
	assert.Equal(t, bloodtype.OPos, bloodtype.All()[0])
}

// =============================================================================
// MODEL
// =============================================================================

func TestDefaultModel_ExactMatchFirst(t *testing.T) {
	m := bloodtype.Default()
	for _, r := range bloodtype.All() {
		donors, err := m.Donors(r)
		require.NoError(t, err)
		require.NotEmpty(t, donors)
		assert.Equal(t, r, donors[0], "exact match must lead for %s", r)
		assert.Positive(t, m.Rarity(r))
	}
}

func TestDefaultModel_Alternatives(t *testing.T) {
	m := bloodtype.Default()

	alts, err := m.Alternatives(bloodtype.APos)
	require.NoError(t, err)
	assert.Equal(t, []bloodtype.BloodType{bloodtype.OPos, bloodtype.ANeg, bloodtype.ONeg}, alts)

	alts, err = m.Alternatives(bloodtype.ONeg)
	require.NoError(t, err)
	assert.Empty(t, alts)

	alts, err = m.Alternatives(bloodtype.ABPos)
	require.NoError(t, err)
	assert.Len(t, alts, 7)
}

func TestDefaultModel_Recipients(t *testing.T) {
	m := bloodtype.Default()

	// O- gives to everyone
	recipients, err := m.Recipients(bloodtype.ONeg)
	require.NoError(t, err)
	assert.ElementsMatch(t, bloodtype.All(), recipients)

	// AB+ gives only to AB+
	recipients, err = m.Recipients(bloodtype.ABPos)
	require.NoError(t, err)
	assert.Equal(t, []bloodtype.BloodType{bloodtype.ABPos}, recipients)

	recipients, err = m.Recipients(bloodtype.APos)
	require.NoError(t, err)
	assert.Equal(t, []bloodtype.BloodType{bloodtype.APos, bloodtype.ABPos}, recipients)
}

func TestModel_InvalidType(t *testing.T) {
	m := bloodtype.Default()

	_, err := m.Donors("Z+")
	assert.ErrorIs(t, err, bloodtype.ErrInvalidBloodType)
	_, err = m.Alternatives("Z+")
	assert.ErrorIs(t, err, bloodtype.ErrInvalidBloodType)
	_, err = m.Recipients("")
	assert.ErrorIs(t, err, bloodtype.ErrInvalidBloodType)
	assert.Zero(t, m.Rarity("Z+"))
}

func TestModel_AccessorsDoNotLeakState(t *testing.T) {
	m := bloodtype.Default()

	donors, err := m.Donors(bloodtype.ABPos)
	require.NoError(t, err)
	donors[0] = bloodtype.ONeg

	table := m.Table()
	table[bloodtype.ABPos][0] = bloodtype.ONeg
	weights := m.Weights()
	weights[bloodtype.ABPos] = 1000

	again, err := m.Donors(bloodtype.ABPos)
	require.NoError(t, err)
	assert.Equal(t, bloodtype.ABPos, again[0])
	assert.Equal(t, 3, m.Rarity(bloodtype.ABPos))
}

func TestNewModel_Validation(t *testing.T) {
	donors, rarity := bloodtype.DefaultTables()

	t.Run("valid copy", func(t *testing.T) {
		_, err := bloodtype.NewModel(donors, rarity)
		require.NoError(t, err)
	})

	t.Run("missing recipient", func(t *testing.T) {
		d, _ := bloodtype.DefaultTables()
		delete(d, bloodtype.BNeg)
		_, err := bloodtype.NewModel(d, rarity)
		assert.ErrorIs(t, err, bloodtype.ErrInvalidModel)
	})

	t.Run("exact match not first", func(t *testing.T) {
		d, _ := bloodtype.DefaultTables()
		d[bloodtype.APos] = []bloodtype.BloodType{bloodtype.ONeg, bloodtype.APos}
		_, err := bloodtype.NewModel(d, rarity)
		assert.ErrorIs(t, err, bloodtype.ErrInvalidModel)
	})

	t.Run("duplicate donor", func(t *testing.T) {
		d, _ := bloodtype.DefaultTables()
		d[bloodtype.APos] = []bloodtype.BloodType{bloodtype.APos, bloodtype.ONeg, bloodtype.ONeg}
		_, err := bloodtype.NewModel(d, rarity)
		assert.ErrorIs(t, err, bloodtype.ErrInvalidModel)
	})

	t.Run("unknown donor", func(t *testing.T) {
		d, _ := bloodtype.DefaultTables()
		d[bloodtype.APos] = []bloodtype.BloodType{bloodtype.APos, "C+"}
		_, err := bloodtype.NewModel(d, rarity)
		assert.ErrorIs(t, err, bloodtype.ErrInvalidModel)
	})

	t.Run("universal donor missing", func(t *testing.T) {
		d, _ := bloodtype.DefaultTables()
		d[bloodtype.APos] = []bloodtype.BloodType{bloodtype.APos, bloodtype.ANeg}
		_, err := bloodtype.NewModel(d, rarity)
		assert.ErrorIs(t, err, bloodtype.ErrInvalidModel)
		assert.ErrorContains(t, err, "universal donor")
	})

	t.Run("universal donor as own exact match", func(t *testing.T) {
		d, _ := bloodtype.DefaultTables()
		d[bloodtype.ONeg] = []bloodtype.BloodType{bloodtype.ONeg}
		_, err := bloodtype.NewModel(d, rarity)
		require.NoError(t, err)
	})

	t.Run("non-positive weight", func(t *testing.T) {
		_, w := bloodtype.DefaultTables()
		w[bloodtype.ONeg] = 0
		_, err := bloodtype.NewModel(donors, w)
		assert.ErrorIs(t, err, bloodtype.ErrInvalidModel)
	})
}
