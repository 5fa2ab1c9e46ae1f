package httpresp

const (
	ErrUnauthorized        = "unauthorized"
	ErrMissingBearerToken  = "bearer token is required"
	ErrInvalidToken        = "invalid token"
	ErrForbidden           = "forbidden"
	ErrInsufficientRole    = "insufficient permissions"
	ErrNotFound            = "not found"
	ErrInternal            = "internal server error"
	ErrInvalidBody         = "invalid request body"
	ErrFromMustBeRFC3339   = "from must use RFC3339 format"
	ErrToMustBeRFC3339     = "to must use RFC3339 format"
	ErrPageMustBePositive  = "page and page_size must be positive integers"
	ErrStorageNotAvailable = "object storage is not configured"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type IDResponse struct {
	ID string `json:"id"`
}

type URLResponse struct {
	URL string `json:"url"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

// PageResponse wraps one page of a paginated listing.
type PageResponse[T any] struct {
	Items    []T   `json:"items"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
	HasMore  bool  `json:"has_more"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewIDResponse(id string) IDResponse {
	return IDResponse{ID: id}
}

func NewURLResponse(url string) URLResponse {
	return URLResponse{URL: url}
}

func NewCountResponse(count int64) CountResponse {
	return CountResponse{Count: count}
}

func NewPageResponse[T any](items []T, page, pageSize int, total int64) PageResponse[T] {
	if items == nil {
		items = make([]T, 0)
	}
	return PageResponse[T]{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasMore:  int64(page*pageSize) < total,
	}
}
