package handlers

import (
	"context"
	"slices"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/hlsforge/internal/queue"
)

// QueueHandler exposes the durable queues for inspection.
type QueueHandler struct {
	queues map[string]*queue.Durable
}

// NewQueueHandler creates a queue handler over the given durable queues.
func NewQueueHandler(queues ...*queue.Durable) *QueueHandler {
	h := &QueueHandler{queues: make(map[string]*queue.Durable, len(queues))}
	for _, q := range queues {
		if q != nil {
			h.queues[q.Name()] = q
		}
	}
	return h
}

// Names returns the registered queue names in order.
func (h *QueueHandler) Names() []string {
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Statuses returns the runner status of every queue.
func (h *QueueHandler) Statuses(ctx context.Context) []queue.RunnerStatus {
	statuses := make([]queue.RunnerStatus, 0, len(h.queues))
	for _, name := range h.Names() {
		statuses = append(statuses, h.queues[name].Status(ctx))
	}
	return statuses
}

// Register registers the queue routes with the API.
func (h *QueueHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listQueues",
		Method:      "GET",
		Path:        "/api/v1/queues",
		Summary:     "List queues",
		Description: "Returns the runner status of every durable queue",
		Tags:        []string{"Queues"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getQueueStatus",
		Method:      "GET",
		Path:        "/api/v1/queues/{queue}/status",
		Summary:     "Get queue status",
		Description: "Returns worker and backlog state of a durable queue",
		Tags:        []string{"Queues"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "getQueueHistory",
		Method:      "GET",
		Path:        "/api/v1/queues/{queue}/history",
		Summary:     "Get queue history",
		Description: "Returns finished attempts with pagination, newest first",
		Tags:        []string{"Queues"},
	}, h.GetHistory)
}

// ListQueuesInput is the input for listing queues.
type ListQueuesInput struct{}

// ListQueuesOutput is the output for listing queues.
type ListQueuesOutput struct {
	Body struct {
		Queues []queue.RunnerStatus `json:"queues"`
	}
}

// List returns the status of every queue.
func (h *QueueHandler) List(ctx context.Context, _ *ListQueuesInput) (*ListQueuesOutput, error) {
	resp := &ListQueuesOutput{}
	resp.Body.Queues = h.Statuses(ctx)
	return resp, nil
}

// QueueNameInput addresses one queue.
type QueueNameInput struct {
	Queue string `path:"queue" doc:"Queue name"`
}

// QueueStatusOutput is the output for a queue status.
type QueueStatusOutput struct {
	Body queue.RunnerStatus
}

// GetStatus returns the status of one queue.
func (h *QueueHandler) GetStatus(ctx context.Context, input *QueueNameInput) (*QueueStatusOutput, error) {
	q, ok := h.queues[input.Queue]
	if !ok {
		return nil, huma.Error404NotFound("queue not found")
	}
	return &QueueStatusOutput{Body: q.Status(ctx)}, nil
}

// QueueHistoryInput is the input for a queue's history.
type QueueHistoryInput struct {
	Queue string `path:"queue" doc:"Queue name"`
	Pagination
}

// QueueHistoryOutput is the output for a queue's history.
type QueueHistoryOutput struct {
	Body struct {
		History    []QueueHistoryResponse `json:"history"`
		Pagination PaginationMeta         `json:"pagination"`
	}
}

// GetHistory returns one page of finished attempts.
func (h *QueueHandler) GetHistory(ctx context.Context, input *QueueHistoryInput) (*QueueHistoryOutput, error) {
	q, ok := h.queues[input.Queue]
	if !ok {
		return nil, huma.Error404NotFound("queue not found")
	}

	rows, total, err := q.History(ctx, input.Offset(), input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get queue history", err)
	}

	resp := &QueueHistoryOutput{}
	resp.Body.History = make([]QueueHistoryResponse, 0, len(rows))
	for _, row := range rows {
		resp.Body.History = append(resp.Body.History, QueueHistoryFromModel(row))
	}
	resp.Body.Pagination = NewPaginationMeta(input.Pagination, total)
	return resp, nil
}
