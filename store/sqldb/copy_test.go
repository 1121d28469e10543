package sqldb

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyBuffer_NullAndEmptyStayDistinct(t *testing.T) {
	// GIVEN: A row with an empty string, a NULL pointer and a NULL decimal
	// WHEN: Encoding and decoding the buffer
	// THEN: The empty string survives as "" and the NULLs as nil

	buf := newCopyBuffer("t", "a", "b", "c", "d")
	require.NoError(t, buf.add("", (*int64)(nil), decimal.NullDecimal{}, "x"))

	rows, err := decodeCopyRows(buf.buf.Bytes(), 4)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0][0])
	assert.Nil(t, rows[0][1])
	assert.Nil(t, rows[0][2])
	assert.Equal(t, "x", rows[0][3])
}

func TestCopyBuffer_EscapesDelimiters(t *testing.T) {
	// GIVEN: Values containing tabs, newlines, backslashes and the sentinel byte
	// WHEN: Encoding them
	// THEN: Every row still has one line and decodes back to the input

	values := []string{"tab\there", "line\nbreak\r", `back\slash`, "sentinel\x01inside"}
	buf := newCopyBuffer("t", "a")
	for _, v := range values {
		require.NoError(t, buf.add(v))
	}

	rows, err := decodeCopyRows(buf.buf.Bytes(), 1)
	require.NoError(t, err)
	require.Len(t, rows, len(values))
	for i, v := range values {
		assert.Equal(t, v, rows[i][0])
	}
}

func TestCopyBuffer_FormatsTypedValues(t *testing.T) {
	buf := newCopyBuffer("t", "id", "flag", "amount", "date")
	date := time.Date(2020, time.March, 4, 0, 0, 0, 0, time.UTC)
	require.NoError(t, buf.add(int64(42), true, decimal.RequireFromString("12.5000"), date))

	assert.Equal(t, "42\t1\t12.5\t2020-03-04\n", buf.buf.String())
}

func TestCopyBuffer_RejectsWrongArity(t *testing.T) {
	buf := newCopyBuffer("t", "a", "b")
	assert.Error(t, buf.add("only one"))
}
