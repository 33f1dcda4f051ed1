package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

func TestCursorTokenPreservedByteForByte(t *testing.T) {
	// Deliberately hostile token: base64 padding, URL escapes, unicode.
	token := "Y3Vyc29yOnYyOpK5MjAyNC0wNi0xMlQwOTo0MDo1NCswMjowMM4wP%3D%3Dé"

	info := Cursor(token, 50)
	assert.Equal(t, token, info.Cursor, "cursor must pass through unmodified")
	assert.True(t, info.HasMore)
	assert.Equal(t, models.PaginationCursor, info.Strategy)
	assert.Equal(t, models.TotalUnknown, info.TotalAccuracy)

	next, err := NextPage(info, models.ListOptions{PerPage: 50})
	require.NoError(t, err)
	assert.Equal(t, token, next.Cursor)
	assert.Zero(t, next.Page, "cursor pages never carry a page number")
}

func TestEmptyCursorMeansExhausted(t *testing.T) {
	info := Cursor("", 50)
	assert.False(t, info.HasMore)

	_, err := NextPage(info, models.ListOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.NoMorePages))
}

func TestOffsetFullPageImpliesMore(t *testing.T) {
	info := Offset(1, 30, 30)
	assert.True(t, info.HasMore, "a full page implies more results may exist")

	next, err := NextPage(info, models.ListOptions{Page: 1, PerPage: 30})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Page)
	assert.Equal(t, 30, next.PerPage)
	assert.Empty(t, next.Cursor)
}

func TestOffsetShortPageProvesExhaustion(t *testing.T) {
	info := Offset(3, 30, 12)
	assert.False(t, info.HasMore)

	_, err := NextPage(info, models.ListOptions{Page: 3})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.NoMorePages))
}

func TestWithTotalOverridesInference(t *testing.T) {
	// Platform reports an exact total: page 2 of 30 with 45 items total
	// means the second (short-looking) page is genuinely the last.
	info := WithTotal(Offset(2, 30, 15), 45)
	assert.Equal(t, 45, info.TotalCount)
	assert.Equal(t, models.TotalExact, info.TotalAccuracy)
	assert.False(t, info.HasMore)

	// Full first page of a 100-item listing still has more.
	info = WithTotal(Offset(1, 30, 30), 100)
	assert.True(t, info.HasMore)
}

func TestNextPageOnNilInfo(t *testing.T) {
	_, err := NextPage(nil, models.ListOptions{})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.NoMorePages))
}

func TestOffsetDefaultsPerPage(t *testing.T) {
	info := Offset(1, 0, DefaultPerPage)
	assert.Equal(t, DefaultPerPage, info.PerPage)
	assert.True(t, info.HasMore)
}
