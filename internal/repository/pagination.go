package repository

const (
	DefaultPage     = 1
	DefaultPageSize = 50
	MaxPageSize     = 200
	// MaxPage keeps the row offset well inside int32 for every page size.
	MaxPage = 1_000_000
)

type PageRequest struct {
	Page     int
	PageSize int
}

type PageResult[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// NormalizePageRequest clamps caller input; oversized pages are capped, never rejected.
func NormalizePageRequest(req PageRequest) PageRequest {
	return normalizePageRequest(req)
}

func normalizePageRequest(req PageRequest) PageRequest {
	if req.Page < 1 {
		req.Page = DefaultPage
	}
	if req.Page > MaxPage {
		req.Page = MaxPage
	}
	if req.PageSize < 1 {
		req.PageSize = DefaultPageSize
	}
	if req.PageSize > MaxPageSize {
		req.PageSize = MaxPageSize
	}
	return req
}

func (r PageRequest) offset() int {
	return (r.Page - 1) * r.PageSize
}

func calcTotalPages(total int64, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	pages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		pages++
	}
	return int(pages)
}

func finishPage[T any](result *PageResult[T]) {
	result.TotalPages = calcTotalPages(result.Total, result.PageSize)
	result.HasNext = result.Page < result.TotalPages
	result.HasPrev = result.Page > 1 && result.TotalPages > 0
	if result.Items == nil {
		result.Items = []T{}
	}
}
