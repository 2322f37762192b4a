package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
)

func fullAttendee() offlinecache.Record {
	return offlinecache.Record{
		"id":             "a-1",
		"first_name":     "Ada",
		"last_name":      "Lovelace",
		"company":        "Analytical Engines",
		"email":          "ada@example.com",
		"business_phone": nil,
		"mobile_phone":   "+44 000",
		"spouse_details": map[string]any{
			"first_name": "William",
			"email":      "william@example.com",
		},
		"favourite_colour": "green",
	}
}

func TestSetsAreDisjoint(t *testing.T) {
	for _, field := range Attendee.ListConfidential() {
		require.False(t, Attendee.IsSafe(field), field)
	}
	for _, field := range Attendee.ListSafe() {
		require.False(t, Attendee.IsConfidential(field), field)
	}
}

func TestNewRejectsOverlap(t *testing.T) {
	_, err := New("bad", []string{"email"}, []string{"id", "email"})
	require.ErrorIs(t, err, offlinecache.ErrInvalidInput)

	require.Panics(t, func() { MustNew("bad", []string{"x"}, []string{"x"}) })
}

func TestFilterOneStripsConfidential(t *testing.T) {
	in := fullAttendee()

	out, err := Attendee.FilterOne(in)
	require.NoError(t, err)

	for k := range out {
		require.False(t, Attendee.IsConfidential(k), k)
	}
	require.NotContains(t, out, "business_phone", "null-valued confidential fields are stripped")
	require.NotContains(t, out, "favourite_colour", "unclassified fields are dropped")
	require.Equal(t, "Ada", out["first_name"])

	spouse := out["spouse_details"].(map[string]any)
	require.Equal(t, "William", spouse["first_name"])
	require.NotContains(t, spouse, "email")
}

func TestFilterOneDoesNotMutate(t *testing.T) {
	in := fullAttendee()

	_, err := Attendee.FilterOne(in)
	require.NoError(t, err)

	require.Equal(t, fullAttendee(), in)
}

func TestFilterOneNil(t *testing.T) {
	_, err := Attendee.FilterOne(nil)
	require.ErrorIs(t, err, offlinecache.ErrInvalidInput)
}

func TestFilterMany(t *testing.T) {
	out, err := Attendee.FilterMany([]offlinecache.Record{})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)

	out, err = Attendee.FilterMany([]offlinecache.Record{fullAttendee(), {"id": "a-2", "email": "x@y"}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, offlinecache.Record{"id": "a-2"}, out[1])

	_, err = Attendee.FilterMany(nil)
	require.ErrorIs(t, err, offlinecache.ErrInvalidInput)

	_, err = Attendee.FilterMany([]offlinecache.Record{{"id": "a"}, nil})
	require.ErrorIs(t, err, offlinecache.ErrInvalidInput)
}

func TestValidateClean(t *testing.T) {
	filtered, err := Attendee.FilterOne(fullAttendee())
	require.NoError(t, err)

	v := Attendee.ValidateClean(filtered)
	require.True(t, v.IsValid)
	require.Empty(t, v.Issues)

	v = Attendee.ValidateClean(offlinecache.Record{"id": "a", "business_phone": "555"})
	require.False(t, v.IsValid)
	require.Len(t, v.Issues, 1)
	require.Contains(t, v.Issues[0], "business_phone")

	v = Attendee.ValidateClean(fullAttendee())
	require.False(t, v.IsValid)
	joined := strings.Join(v.Issues, "\n")
	require.Contains(t, joined, `"email"`)
	require.Contains(t, joined, "spouse_details.email")
}

func TestValidateCleanNil(t *testing.T) {
	v := Attendee.ValidateClean(nil)
	require.True(t, v.IsValid)
	require.Empty(t, v.Issues)
}

func TestUnclassified(t *testing.T) {
	require.Equal(t, []string{"favourite_colour"}, Attendee.Unclassified(fullAttendee()))
}

func TestListsAreSorted(t *testing.T) {
	require.IsNonDecreasing(t, Attendee.ListConfidential())
	require.IsNonDecreasing(t, Attendee.ListSafe())
	require.Contains(t, Attendee.ListConfidential(), "business_phone")
	require.Contains(t, Attendee.ListSafe(), "spouse_details")
	require.Equal(t, "attendee", Attendee.Name())
}
