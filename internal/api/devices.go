package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waghostel/medregagent/internal/queue"
	"github.com/waghostel/medregagent/internal/regulatory"
)

// maxBulkItems bounds how many searches one bulk request may carry
const maxBulkItems = 50

// DeviceHandler serves the regulatory device data endpoints
type DeviceHandler struct {
	client *regulatory.Client
	queue  *queue.RequestQueue
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(client *regulatory.Client, q *queue.RequestQueue) *DeviceHandler {
	return &DeviceHandler{
		client: client,
		queue:  q,
	}
}

// searchQueryFrom parses the query parameters shared by all search routes.
// Out-of-range paging values are clamped by the client, not rejected.
func searchQueryFrom(c *gin.Context) regulatory.SearchQuery {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	skip, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))

	return regulatory.SearchQuery{
		Search: c.Query("search"),
		Sort:   c.Query("sort"),
		Limit:  limit,
		Skip:   skip,
	}
}

// searchResultResponse marks cache-served pages as stale
func searchResultResponse[T any](c *gin.Context, result *regulatory.DeviceSearchResult[T]) {
	if result.Stale {
		StaleResponse(c, result, result.Age)
		return
	}
	SuccessResponse(c, result)
}

// Search510K searches 510(k) premarket notifications
func (h *DeviceHandler) Search510K(c *gin.Context) {
	result, err := h.client.Search510K(c.Request.Context(), searchQueryFrom(c))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	searchResultResponse(c, result)
}

// Lookup510K fetches a single 510(k) submission by K number
func (h *DeviceHandler) Lookup510K(c *gin.Context) {
	device, err := h.client.Lookup510K(c.Request.Context(), c.Param("k_number"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, device)
}

// SearchClassifications searches device classification records
func (h *DeviceHandler) SearchClassifications(c *gin.Context) {
	result, err := h.client.SearchClassifications(c.Request.Context(), searchQueryFrom(c))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	searchResultResponse(c, result)
}

// SearchRecalls searches device recall records
func (h *DeviceHandler) SearchRecalls(c *gin.Context) {
	result, err := h.client.SearchRecalls(c.Request.Context(), searchQueryFrom(c))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	searchResultResponse(c, result)
}

// SearchAdverseEvents searches adverse event reports
func (h *DeviceHandler) SearchAdverseEvents(c *gin.Context) {
	result, err := h.client.SearchAdverseEvents(c.Request.Context(), searchQueryFrom(c))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	searchResultResponse(c, result)
}

// BulkItem is one search in a bulk request
type BulkItem struct {
	Dataset string `json:"dataset" binding:"required,oneof=510k classification recall event"`
	Search  string `json:"search"`
	Sort    string `json:"sort"`
	Limit   int    `json:"limit"`
	Skip    int    `json:"skip"`
}

// BulkRequest fans several searches through the request queue in one call
type BulkRequest struct {
	Priority string     `json:"priority" binding:"omitempty,oneof=low normal high"`
	Items    []BulkItem `json:"items" binding:"required,min=1,dive"`
}

// BulkItemResult is the outcome of one bulk item. Items succeed or fail
// independently; Index ties the result back to the request order.
type BulkItemResult struct {
	Index   int         `json:"index"`
	Dataset string      `json:"dataset"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Stale   bool        `json:"stale,omitempty"`
}

// BulkResponse summarizes a bulk fan-out
type BulkResponse struct {
	Items     []BulkItemResult `json:"items"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

func bulkPriority(s string) queue.Priority {
	switch s {
	case "low":
		return queue.PriorityLow
	case "high":
		return queue.PriorityHigh
	default:
		return queue.PriorityNormal
	}
}

// BulkSearch runs up to maxBulkItems searches through the request queue,
// which bounds their concurrency and paces them against the upstream rate
// limit.
func (h *DeviceHandler) BulkSearch(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	if len(req.Items) > maxBulkItems {
		BadRequestResponse(c, fmt.Sprintf("A bulk request is limited to %d items", maxBulkItems))
		return
	}

	priority := bulkPriority(req.Priority)
	ctx := c.Request.Context()

	items := make([]BulkItemResult, len(req.Items))
	var wg sync.WaitGroup
	for i, item := range req.Items {
		wg.Add(1)
		go func(i int, item BulkItem) {
			defer wg.Done()
			items[i] = h.runBulkItem(ctx, i, item, priority)
		}(i, item)
	}
	wg.Wait()

	resp := BulkResponse{Items: items}
	for _, item := range items {
		if item.Error != nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}

	SuccessResponse(c, resp)
}

func (h *DeviceHandler) runBulkItem(ctx context.Context, index int, item BulkItem, priority queue.Priority) BulkItemResult {
	query := regulatory.SearchQuery{
		Search: item.Search,
		Sort:   item.Sort,
		Limit:  item.Limit,
		Skip:   item.Skip,
	}

	value, err := h.queue.Enqueue(ctx, "bulk_"+item.Dataset, priority, func(jobCtx context.Context) (interface{}, error) {
		switch item.Dataset {
		case "classification":
			return h.client.SearchClassifications(jobCtx, query)
		case "recall":
			return h.client.SearchRecalls(jobCtx, query)
		case "event":
			return h.client.SearchAdverseEvents(jobCtx, query)
		default:
			return h.client.Search510K(jobCtx, query)
		}
	})

	result := BulkItemResult{Index: index, Dataset: item.Dataset}

	if err != nil {
		switch {
		case stderrors.Is(err, queue.ErrQueueFull):
			result.Error = &APIError{
				Code:    "QUEUE_FULL",
				Message: "Request queue is full, try again later",
			}
		case stderrors.Is(err, queue.ErrQueueStopped):
			result.Error = &APIError{
				Code:    "SERVICE_UNAVAILABLE",
				Message: "Request queue is shutting down",
			}
		default:
			_, result.Error = classifyError(err)
		}
		return result
	}

	if sr, ok := value.(interface{ ServedStale() (bool, time.Duration) }); ok {
		result.Stale, _ = sr.ServedStale()
	}
	result.Data = value

	return result
}
