package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/steveyegge/mabd/internal/rpc"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/workers"
)

func (d *Daemon) registerHandlers() {
	d.rpcServer.Register("daemon.status", d.handleDaemonStatus)
	d.rpcServer.Register("daemon.shutdown", d.handleDaemonShutdown)
	d.rpcServer.Register("worker.list", d.handleWorkerList)
	d.rpcServer.Register("worker.get", d.handleWorkerGet)
	d.rpcServer.Register("worker.spawn", d.handleWorkerSpawn)
	d.rpcServer.Register("worker.stop", d.handleWorkerStop)
	d.rpcServer.Register("health.status", d.handleHealthStatus)
	d.rpcServer.Register("dispatch.start", d.handleDispatchStart)
	d.rpcServer.Register("dispatch.stop", d.handleDispatchStop)
	d.rpcServer.Register("dispatch.status", d.handleDispatchStatus)
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, rpc.NewError(rpc.CodeInvalidParams, err.Error())
	}
	return v, nil
}

type daemonStatusResult struct {
	State         string    `json:"state"`
	PID           int       `json:"pid"`
	Home          string    `json:"home"`
	StartedAt     time.Time `json:"started_at"`
	WorkersCount  int       `json:"workers_count"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

func (d *Daemon) handleDaemonStatus(ctx context.Context, params json.RawMessage) (any, error) {
	running, err := d.manager.CountRunning("")
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, err.Error())
	}
	return daemonStatusResult{
		State:         "running",
		PID:           os.Getpid(),
		Home:          d.home,
		StartedAt:     d.startedAt,
		WorkersCount:  running,
		UptimeSeconds: time.Since(d.startedAt).Seconds(),
	}, nil
}

func (d *Daemon) handleDaemonShutdown(ctx context.Context, params json.RawMessage) (any, error) {
	go d.Shutdown()
	return map[string]bool{"success": true}, nil
}

type workerListParams struct {
	Status      string `json:"status"`
	Role        string `json:"role"`
	ProjectPath string `json:"project_path"`
	TownName    string `json:"town_name"`
}

func (d *Daemon) handleWorkerList(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[workerListParams](params)
	if err != nil {
		return nil, err
	}
	workersOut, err := d.manager.List(store.WorkerFilter{
		Status:      store.WorkerStatus(p.Status),
		Role:        p.Role,
		ProjectPath: p.ProjectPath,
		TownName:    p.TownName,
	})
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, err.Error())
	}
	return map[string]any{"workers": workersOut}, nil
}

type workerGetParams struct {
	WorkerID string `json:"worker_id"`
}

func (d *Daemon) handleWorkerGet(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[workerGetParams](params)
	if err != nil {
		return nil, err
	}
	if p.WorkerID == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "worker_id is required")
	}
	w, err := d.manager.Get(p.WorkerID)
	if err != nil {
		if errors.Is(err, workers.ErrNotFound) {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "worker not found: "+p.WorkerID)
		}
		return nil, rpc.NewError(rpc.CodeInternalError, err.Error())
	}
	return w, nil
}

type workerSpawnParams struct {
	Role        string `json:"role"`
	ProjectPath string `json:"project_path"`
	TownName    string `json:"town_name"`
	AutoRestart *bool  `json:"auto_restart"`
	BeadID      string `json:"bead_id"`
}

func (d *Daemon) handleWorkerSpawn(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[workerSpawnParams](params)
	if err != nil {
		return nil, err
	}
	if p.Role == "" || p.ProjectPath == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "role and project_path are required")
	}
	autoRestart := true
	if p.AutoRestart != nil {
		autoRestart = *p.AutoRestart
	}
	w, err := d.manager.Spawn(ctx, workers.SpawnRequest{
		Role:        p.Role,
		ProjectPath: p.ProjectPath,
		TownName:    p.TownName,
		AutoRestart: autoRestart,
		BeadID:      p.BeadID,
	})
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, err.Error())
	}
	return w, nil
}

type workerStopParams struct {
	WorkerID       string `json:"worker_id"`
	Graceful       *bool  `json:"graceful"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (d *Daemon) handleWorkerStop(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[workerStopParams](params)
	if err != nil {
		return nil, err
	}
	if p.WorkerID == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "worker_id is required")
	}
	graceful := true
	if p.Graceful != nil {
		graceful = *p.Graceful
	}
	timeout := 10 * time.Second
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds * float64(time.Second))
	}
	w, err := d.manager.Stop(ctx, p.WorkerID, graceful, timeout)
	if err != nil {
		if errors.Is(err, workers.ErrNotFound) {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "worker not found: "+p.WorkerID)
		}
		return nil, rpc.NewError(rpc.CodeInternalError, err.Error())
	}
	return w, nil
}

func (d *Daemon) handleHealthStatus(ctx context.Context, params json.RawMessage) (any, error) {
	status, err := d.manager.GetHealthStatus()
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, err.Error())
	}
	return status, nil
}

type dispatchStartParams struct {
	ProjectPath     string   `json:"project_path"`
	Roles           []string `json:"roles"`
	IntervalSeconds float64  `json:"interval_seconds"`
}

func (d *Daemon) handleDispatchStart(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[dispatchStartParams](params)
	if err != nil {
		return nil, err
	}
	if p.ProjectPath == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "project_path is required")
	}
	interval := time.Duration(p.IntervalSeconds * float64(time.Second))
	if err := d.dispatcher.Start(p.ProjectPath, p.Roles, interval); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, err.Error())
	}
	status := d.dispatcher.GetStatus()
	return map[string]any{
		"success":          true,
		"project_path":     status.ProjectPath,
		"roles":            status.Roles,
		"interval_seconds": status.IntervalSeconds,
	}, nil
}

func (d *Daemon) handleDispatchStop(ctx context.Context, params json.RawMessage) (any, error) {
	d.dispatcher.Stop()
	return map[string]bool{"success": true}, nil
}

func (d *Daemon) handleDispatchStatus(ctx context.Context, params json.RawMessage) (any, error) {
	status := d.dispatcher.GetStatus()
	return map[string]any{
		"enabled":          status.Enabled,
		"project_path":     status.ProjectPath,
		"roles":             status.Roles,
		"interval_seconds": status.IntervalSeconds,
		"task_running":     status.TaskRunning,
	}, nil
}
