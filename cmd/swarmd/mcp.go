package main

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gridforge/swarm/coord"
	"github.com/gridforge/swarm/kit"
)

// registerMCP exposes the operator surface as MCP tools so the fleet
// can be inspected and repaired from an agent session.
func registerMCP(srv *mcp.Server, c *coord.Coordinator) {
	registerStatusTool(srv, c)
	registerQueueTool(srv, c)
	registerWorkersTool(srv, c)
	registerWorkerFlagsTool(srv, c)
	registerWorkerResetTool(srv, c)
	registerSweepTool(srv, c)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

func decodeInto[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	r := new(T)
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{
		Request: r,
		EnrichCtx: func(ctx context.Context) context.Context {
			return kit.WithTransport(ctx, "mcp")
		},
	}, nil
}

// --- status ---

type statusReq struct {
	RequestID string `json:"request_id"`
}

func registerStatusTool(srv *mcp.Server, c *coord.Coordinator) {
	tool := &mcp.Tool{
		Name:        "swarm_status",
		Description: "Get a generation request's state with per-slot detail.",
		InputSchema: inputSchema(map[string]any{
			"request_id": map[string]any{"type": "string", "description": "Request ID (req_...)"},
		}, []string{"request_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statusReq)
		return c.GetStatus(ctx, "", r.RequestID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[statusReq])
}

// --- queue depth ---

type queueReq struct{}

func registerQueueTool(srv *mcp.Server, c *coord.Coordinator) {
	tool := &mcp.Tool{
		Name:        "swarm_queue",
		Description: "Report how many slots are waiting and how many are on workers.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		pending, leased, err := c.QueueDepth(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"pending": pending, "leased": leased}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[queueReq])
}

// --- workers ---

type workersReq struct{}

func registerWorkersTool(srv *mcp.Server, c *coord.Coordinator) {
	tool := &mcp.Tool{
		Name:        "swarm_workers",
		Description: "List the worker fleet with health and throughput counters.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		views, err := c.ListWorkers(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"workers": views, "count": len(views)}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[workersReq])
}

// --- worker flags ---

type workerFlagsReq struct {
	WorkerID    string `json:"worker_id"`
	Paused      bool   `json:"paused"`
	Maintenance bool   `json:"maintenance"`
}

func registerWorkerFlagsTool(srv *mcp.Server, c *coord.Coordinator) {
	tool := &mcp.Tool{
		Name:        "swarm_worker_flags",
		Description: "Set a worker's operator pause and maintenance flags.",
		InputSchema: inputSchema(map[string]any{
			"worker_id":   map[string]any{"type": "string", "description": "Worker ID (wrk_...)"},
			"paused":      map[string]any{"type": "boolean", "description": "Stop dispatching to this worker"},
			"maintenance": map[string]any{"type": "boolean", "description": "Worker is down for maintenance"},
		}, []string{"worker_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*workerFlagsReq)
		if err := c.SetWorkerFlags(ctx, r.WorkerID, r.Paused, r.Maintenance); err != nil {
			return nil, err
		}
		return map[string]any{"worker_id": r.WorkerID, "paused": r.Paused, "maintenance": r.Maintenance}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[workerFlagsReq])
}

// --- worker reset ---

type workerResetReq struct {
	WorkerID string `json:"worker_id"`
}

func registerWorkerResetTool(srv *mcp.Server, c *coord.Coordinator) {
	tool := &mcp.Tool{
		Name:        "swarm_worker_reset",
		Description: "Clear a worker's fault streak and lift its automatic pause.",
		InputSchema: inputSchema(map[string]any{
			"worker_id": map[string]any{"type": "string", "description": "Worker ID (wrk_...)"},
		}, []string{"worker_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*workerResetReq)
		if err := c.ResetWorker(ctx, r.WorkerID); err != nil {
			return nil, err
		}
		return map[string]string{"worker_id": r.WorkerID, "status": "reset"}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[workerResetReq])
}

// --- sweep ---

type sweepReq struct{}

func registerSweepTool(srv *mcp.Server, c *coord.Coordinator) {
	tool := &mcp.Tool{
		Name:        "swarm_sweep",
		Description: "Run one repair pass: reclaim stale leases and expire old requests.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return c.SweepOnce(ctx)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeInto[sweepReq])
}
