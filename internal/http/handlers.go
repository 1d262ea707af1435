package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/depdeck/internal/broker"
	"github.com/fyrsmithlabs/depdeck/internal/history"
	"github.com/fyrsmithlabs/depdeck/internal/manifest"
	"github.com/fyrsmithlabs/depdeck/internal/operations"
	"github.com/fyrsmithlabs/depdeck/internal/sanitize"
	"github.com/fyrsmithlabs/depdeck/internal/service"
	"github.com/fyrsmithlabs/depdeck/internal/watcher"
)

// watchBuffer bounds change notifications queued for one SSE client.
const watchBuffer = 64

// bind decodes the request body, rejecting malformed input with 400.
func (s *Server) bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		s.logger.Warn("invalid request body", zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, field+" field is required")
	}
	return nil
}

// requirePath validates a client supplied path in place, replacing it with
// its cleaned form.
func requirePath(field string, value *string) error {
	if err := required(field, *value); err != nil {
		return err
	}
	clean, err := sanitize.ValidatePath(*value, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, field+": "+err.Error())
	}
	*value = clean
	return nil
}

// handleScan discovers projects under a root.
func (s *Server) handleScan(c echo.Context) error {
	var req ScanRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("root", &req.Root); err != nil {
		return err
	}

	projects, err := s.svc.ScanProjects(c.Request().Context(), req.Root)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projects)
}

// handlePackages returns the inventory of ?project=.
func (s *Server) handlePackages(c echo.Context) error {
	project := c.QueryParam("project")
	if err := requirePath("project", &project); err != nil {
		return err
	}

	pkgs, err := s.svc.GetPackages(c.Request().Context(), project)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pkgs)
}

// handleApply installs one package version and records it in history.
func (s *Server) handleApply(c echo.Context) error {
	var req ApplyRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("project", &req.Project); err != nil {
		return err
	}
	if err := required("package", req.Package); err != nil {
		return err
	}
	if err := required("version", req.Version); err != nil {
		return err
	}

	var opts []service.ApplyOption
	if req.Kind != "" {
		opts = append(opts, service.WithKind(req.Kind))
	}
	if req.Note != "" {
		opts = append(opts, service.WithNote(req.Note))
	}

	if err := s.svc.ApplyVersion(c.Request().Context(), req.Project, req.Package, req.Version, opts...); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleInstall starts `npm install` as a background operation.
func (s *Server) handleInstall(c echo.Context) error {
	return s.startOperation(c, s.svc.InstallAll)
}

// handleAuditFix starts `npm audit fix` as a background operation.
func (s *Server) handleAuditFix(c echo.Context) error {
	return s.startOperation(c, s.svc.AuditFix)
}

func (s *Server) startOperation(c echo.Context, start func(ctx context.Context, path string) (string, error)) error {
	var req ProjectRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("project", &req.Project); err != nil {
		return err
	}

	id, err := start(c.Request().Context(), req.Project)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/operations/"+id)
	return c.JSON(http.StatusAccepted, OperationResponse{OperationID: id})
}

// handleAudit runs a synchronous audit.
func (s *Server) handleAudit(c echo.Context) error {
	var req ProjectRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("project", &req.Project); err != nil {
		return err
	}

	result, err := s.svc.RunAudit(c.Request().Context(), req.Project)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// handleOperation returns an operation snapshot.
func (s *Server) handleOperation(c echo.Context) error {
	op, err := s.svc.Operation(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, op)
}

// handleOperationEvents streams an operation over SSE.
func (s *Server) handleOperationEvents(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not available")
	}
	defer s.streamRequest(c)()
	return operations.HandleSSE(c, s.svc.Operations(), s.nc)
}

// handleCancelOperation cancels a running operation. Cancelling a finished
// operation is a no-op.
func (s *Server) handleCancelOperation(c echo.Context) error {
	if err := s.svc.CancelOperation(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleWatch replaces the active watch.
func (s *Server) handleWatch(c echo.Context) error {
	var req ProjectRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("project", &req.Project); err != nil {
		return err
	}

	if err := s.svc.WatchProject(req.Project); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, WatchResponse{Project: s.svc.WatchedProject()})
}

// handleUnwatch stops the active watch.
func (s *Server) handleUnwatch(c echo.Context) error {
	if err := s.svc.UnwatchProject(); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleWatchStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, WatchResponse{Project: s.svc.WatchedProject()})
}

// handleWatchEvents streams manifest changes over SSE until the client
// disconnects.
//
//	event: changed
//	data: {"path":"/work/app/package.json","op":"WRITE","time":"..."}
func (s *Server) handleWatchEvents(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not available")
	}

	defer s.streamRequest(c)()

	msgs := make(chan *nats.Msg, watchBuffer)
	sub, err := s.nc.ChanSubscribe(broker.WatchChanged, msgs)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	if err := s.nc.Flush(); err != nil {
		return err
	}

	operations.PrepareSSE(c)

	heartbeat := time.NewTicker(operations.HeartbeatInterval)
	defer heartbeat.Stop()
	resync := time.NewTicker(operations.ResyncInterval)
	defer resync.Stop()

	dropped := 0
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			if err := operations.WriteEvent(c, "changed", msg.Data); err != nil {
				return nil
			}
		case <-resync.C:
			// Changes dropped for a slow reader collapse into one event so the
			// client still reloads.
			n, err := sub.Dropped()
			if err != nil || n <= dropped {
				continue
			}
			dropped = n
			project := s.svc.WatchedProject()
			if project == "" {
				continue
			}
			data, err := json.Marshal(watcher.Change{Path: manifest.Path(project), Op: watcher.OpResync, Time: time.Now()})
			if err != nil {
				return err
			}
			if err := operations.WriteEvent(c, "changed", data); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := operations.WriteHeartbeat(c); err != nil {
				return nil
			}
		}
	}
}

// handleSearch ranks packages matching ?q= across the projects under ?root=.
func (s *Server) handleSearch(c echo.Context) error {
	root := c.QueryParam("root")
	if err := requirePath("root", &root); err != nil {
		return err
	}

	results, err := s.svc.SearchPackages(c.Request().Context(), root, c.QueryParam("q"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

// handleHistory lists the recorded changes of one package.
func (s *Server) handleHistory(c echo.Context) error {
	project, pkg := c.QueryParam("project"), c.QueryParam("package")
	if err := requirePath("project", &project); err != nil {
		return err
	}
	if err := required("package", pkg); err != nil {
		return err
	}

	entries := s.svc.History(project, pkg)
	if entries == nil {
		entries = []history.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// handleRecordHistory appends an entry, e.g. for a change made outside
// depdeck.
func (s *Server) handleRecordHistory(c echo.Context) error {
	var req RecordHistoryRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("project", &req.Project); err != nil {
		return err
	}
	if err := required("package", req.Package); err != nil {
		return err
	}

	if err := s.svc.RecordHistory(req.Project, req.Package, req.Entry); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

// handleUpdateNote replaces the note of the latest entry.
func (s *Server) handleUpdateNote(c echo.Context) error {
	var req UpdateNoteRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("project", &req.Project); err != nil {
		return err
	}
	if err := required("package", req.Package); err != nil {
		return err
	}

	if err := s.svc.UpdateLastNote(req.Project, req.Package, req.Note); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetWorkspace(c echo.Context) error {
	root, err := s.svc.LastWorkspace()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, WorkspaceResponse{Root: root})
}

func (s *Server) handleSaveWorkspace(c echo.Context) error {
	var req WorkspaceResponse
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if err := requirePath("root", &req.Root); err != nil {
		return err
	}

	if err := s.svc.SaveWorkspace(req.Root); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}
