package library

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateArithmetic(t *testing.T) {
	d := NewDate(2024, time.February, 27)
	assert.Equal(t, "2024-03-01", d.AddDays(3).String(), "leap year")
	assert.Equal(t, 3, d.AddDays(3).DaysSince(d))
	assert.Equal(t, -3, d.DaysSince(d.AddDays(3)))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(1).After(d))
	assert.True(t, d.Equal(NewDate(2024, time.February, 27)))
}

func TestDateOfIgnoresClockTime(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	late := time.Date(2024, time.June, 1, 23, 59, 0, 0, loc)
	early := time.Date(2024, time.June, 1, 0, 1, 0, 0, loc)
	assert.True(t, DateOf(late).Equal(DateOf(early)))
	assert.Equal(t, "2024-06-01", DateOf(late).String())
}

func TestDateTextAndSQL(t *testing.T) {
	d, err := ParseDate("2023-12-31")
	require.NoError(t, err)

	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "2023-12-31", v)

	var back Date
	require.NoError(t, back.Scan([]byte("2023-12-31")))
	assert.True(t, back.Equal(d))

	_, err = ParseDate("31/12/2023")
	require.Error(t, err)

	var n NullDate
	require.NoError(t, n.Scan(nil))
	assert.False(t, n.Valid)
	v, err = n.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, n.UnmarshalText([]byte("2024-01-02")))
	assert.True(t, n.Valid)
	assert.Equal(t, "2024-01-02", n.String())
}

func TestLoanOverdueDays(t *testing.T) {
	l := Loan{DueOn: NewDate(2024, time.January, 10)}
	assert.Equal(t, 0, l.OverdueDays(NewDate(2024, time.January, 5)))
	assert.Equal(t, 0, l.OverdueDays(NewDate(2024, time.January, 10)))
	assert.Equal(t, 10, l.OverdueDays(NewDate(2024, time.January, 20)))
}
