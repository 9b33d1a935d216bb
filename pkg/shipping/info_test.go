package shipping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeInfo() Info {
	return Info{}.
		With(FieldEmail, "test@example.com").
		With(FieldName, "John Doe").
		With(FieldAddress, "123 Test Street").
		With(FieldCity, "Test City").
		With(FieldState, "TS").
		With(FieldPostalCode, "12345").
		With(FieldCountry, "United States")
}

func TestIsComplete(t *testing.T) {
	assert.True(t, IsComplete(completeInfo()))
	assert.False(t, IsComplete(Info{}))
	assert.NoError(t, Check(completeInfo()))
}

func TestMissing_EveryFieldIsRequired(t *testing.T) {
	for _, f := range Fields {
		t.Run(string(f), func(t *testing.T) {
			info := completeInfo().With(f, "")
			assert.False(t, IsComplete(info))
			assert.Equal(t, []Field{f}, Missing(info))

			info = completeInfo().With(f, "  \t ")
			assert.Equal(t, []Field{f}, Missing(info), "whitespace-only counts as blank")
		})
	}
}

func TestMissing_FormOrder(t *testing.T) {
	info := completeInfo().With(FieldCountry, "").With(FieldEmail, "").With(FieldCity, "")
	assert.Equal(t, []Field{FieldEmail, FieldCity, FieldCountry}, Missing(info))

	err := Check(info)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "Please complete all shipping fields: email, city, country", err.Error())
}

func TestWith_ReturnsCopy(t *testing.T) {
	original := completeInfo()
	changed := original.With(FieldCity, "Elsewhere")

	assert.Equal(t, "Test City", original.City)
	assert.Equal(t, "Elsewhere", changed.City)
}

func TestWith_NormalizesNFC(t *testing.T) {
	decomposed := "Mu\u0308nchen"
	info := Info{}.With(FieldCity, decomposed)
	assert.Equal(t, "M\u00fcnchen", info.City)
}

func TestSet(t *testing.T) {
	info, err := Info{}.Set("zipCode", "94107")
	require.NoError(t, err)
	assert.Equal(t, "94107", info.Get(FieldPostalCode))

	_, err = Info{}.Set("phone", "555")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestMetadataRoundTrip(t *testing.T) {
	info := completeInfo()
	meta := info.Metadata()
	assert.Equal(t, "John Doe", meta[MetaName])
	assert.Equal(t, "12345", meta[MetaPostalCode])
	assert.Equal(t, info, FromMetadata(meta))
}
