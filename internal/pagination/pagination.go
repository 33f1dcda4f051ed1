// Package pagination normalizes the two pagination schemes the git
// platforms use into one descriptor. Cursor tokens stay opaque; offset
// pages stay numeric. The normalizer never decodes, rewrites or
// re-encodes a platform cursor.
package pagination

import (
	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

// DefaultPerPage is applied when a list call does not choose a page size.
const DefaultPerPage = 30

// Cursor builds the unified descriptor for a cursor-based page. next is
// the platform's token for the following page, passed through
// byte-for-byte; an empty token means the listing is exhausted.
func Cursor(next string, perPage int) *models.PageInfo {
	return &models.PageInfo{
		Strategy:      models.PaginationCursor,
		Cursor:        next,
		PerPage:       perPage,
		HasMore:       next != "",
		TotalAccuracy: models.TotalUnknown,
	}
}

// Offset builds the unified descriptor for an offset-based page. When
// the platform reports no explicit next-page signal, a full page implies
// more results may exist and a short page proves exhaustion.
func Offset(page, perPage, returned int) *models.PageInfo {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	return &models.PageInfo{
		Strategy:      models.PaginationOffset,
		Page:          page,
		PerPage:       perPage,
		HasMore:       returned == perPage,
		TotalAccuracy: models.TotalUnknown,
	}
}

// WithTotal attaches an exact total reported by the platform. Totals the
// platform did not report stay unknown; callers never see a fabricated
// count.
func WithTotal(info *models.PageInfo, total int) *models.PageInfo {
	info.TotalCount = total
	info.TotalAccuracy = models.TotalExact
	if info.Strategy == models.PaginationOffset && info.PerPage > 0 {
		info.HasMore = info.Page*info.PerPage < total
	}
	return info
}

// NextPage derives the list options for the page after info. It returns
// a NoMorePages fault when info reports exhaustion, so loops terminate
// on the fault code rather than on a sentinel page value.
func NextPage(info *models.PageInfo, opts models.ListOptions) (models.ListOptions, error) {
	if info == nil || !info.HasMore {
		return models.ListOptions{}, fault.New(fault.NoMorePages, "no further pages available")
	}
	next := opts
	switch info.Strategy {
	case models.PaginationCursor:
		next.Cursor = info.Cursor
		next.Page = 0
	case models.PaginationOffset:
		next.Cursor = ""
		next.Page = info.Page + 1
		if next.PerPage == 0 {
			next.PerPage = info.PerPage
		}
	default:
		return models.ListOptions{}, fault.New(fault.InvalidRequest,
			"unknown pagination strategy %q", info.Strategy)
	}
	return next, nil
}
