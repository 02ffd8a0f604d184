package api

import (
	"context"
	"strings"
	"time"

	"github.com/AvengeMedia/dankindex/internal/errdefs"
	"github.com/AvengeMedia/dankindex/internal/log"
	"github.com/AvengeMedia/dankindex/internal/opqueue"
	"github.com/AvengeMedia/dankindex/internal/pipeline"
	"github.com/AvengeMedia/dankindex/internal/query"
	"github.com/AvengeMedia/dankindex/internal/syncer"
	"github.com/danielgtaylor/huma/v2"
)

type PipelineInterface interface {
	IndexFile(ctx context.Context, path string) (pipeline.Outcome, error)
	IndexDirectory(ctx context.Context, root string, recursive, watch bool) (*pipeline.DirManifest, error)
	GetStats() (*pipeline.Stats, error)
}

type SearchInterface interface {
	Search(ctx context.Context, req *query.Request) (*query.Response, error)
}

type SyncInterface interface {
	SyncNow(ctx context.Context) (*syncer.SyncResult, error)
	SetOnline(online bool)
	Online() bool
	Conflicts() ([]*opqueue.Operation, error)
	RetryOperation(ctx context.Context, id uint64) error
	Rename(ctx context.Context, path, newName string) (*opqueue.Operation, error)
	Move(ctx context.Context, path, destPath string) (*opqueue.Operation, error)
	UpdateTags(ctx context.Context, path string, tags []string) (*opqueue.Operation, error)
	Delete(ctx context.Context, path string) (*opqueue.Operation, error)
	QueueLen() (int, error)
}

type MonitorInterface interface {
	IsRunning() bool
	Roots() []string
	LastReconcile() time.Time
}

type Server struct {
	Pipeline PipelineInterface
	Search   SearchInterface
	Sync     SyncInterface
	Monitor  MonitorInterface
}

type IndexDirectoryInput struct {
	Body struct {
		Path      string `json:"path" minLength:"1" doc:"Directory to scan" example:"/home/user/Documents"`
		Recursive bool   `json:"recursive" default:"true" doc:"Descend into subdirectories"`
		Monitor   bool   `json:"monitor" default:"true" doc:"Register the directory for live updates"`
	}
}

type IndexDirectoryOutput struct {
	Body *pipeline.DirManifest
}

type IndexFileInput struct {
	Body struct {
		Path string `json:"path" minLength:"1" doc:"File to index" example:"/home/user/Documents/report.pdf"`
	}
}

type IndexFileOutput struct {
	Body struct {
		Path    string `json:"path"`
		Outcome string `json:"outcome" example:"indexed"`
	}
}

type StatsOutput struct {
	Body *pipeline.Stats
}

type SearchInput struct {
	Query          string `query:"q" minLength:"1" doc:"Search query" example:"quarterly invoice"`
	Type           string `query:"type" enum:"exact,fuzzy,regex,semantic,naturalLanguage," default:"exact" doc:"Search strategy"`
	Limit          int    `query:"limit" default:"20" minimum:"1" maximum:"500" doc:"Maximum results"`
	FileTypes      string `query:"file_types" doc:"Comma-separated file type filter" example:"document,image"`
	Categories     string `query:"categories" doc:"Comma-separated category filter" example:"invoice"`
	DateFrom       string `query:"date_from" doc:"Modified on or after (RFC3339)" example:"2026-01-01T00:00:00Z"`
	DateTo         string `query:"date_to" doc:"Modified on or before (RFC3339)"`
	MinSize        int64  `query:"min_size" doc:"Minimum file size in bytes"`
	MaxSize        int64  `query:"max_size" doc:"Maximum file size in bytes"`
	IncludeContent bool   `query:"include_content" doc:"Include content previews"`
}

type SearchOutput struct {
	Body *query.Response
}

type SyncOutput struct {
	Body *syncer.SyncResult
}

type ConflictsOutput struct {
	Body struct {
		Operations []*opqueue.Operation `json:"operations"`
	}
}

type RetryInput struct {
	ID uint64 `path:"id" doc:"Operation ID to re-arm"`
}

type RetryOutput struct {
	Body struct {
		Status string `json:"status" example:"retry scheduled"`
	}
}

type FileOpInput struct {
	Body struct {
		Type     string   `json:"type" enum:"rename,move,tagUpdate,delete" doc:"Operation type"`
		Path     string   `json:"path" minLength:"1" doc:"Target path"`
		NewName  string   `json:"new_name,omitempty" doc:"New base name for rename"`
		DestPath string   `json:"dest_path,omitempty" doc:"Destination path for move"`
		Tags     []string `json:"tags,omitempty" doc:"Replacement tag set for tagUpdate"`
	}
}

type FileOpOutput struct {
	Body *opqueue.Operation
}

type StatusInput struct {
	Body struct {
		Online bool `json:"online" doc:"Connectivity state"`
	}
}

type StatusOutput struct {
	Body struct {
		Online        bool      `json:"online"`
		Monitoring    bool      `json:"monitoring"`
		Roots         []string  `json:"roots"`
		QueuedOps     int       `json:"queued_ops"`
		LastReconcile time.Time `json:"last_reconcile"`
	}
}

func RegisterHandlers(srv *Server, api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "indexDirectory",
		Summary:     "Index a directory",
		Description: "Scan a directory, index eligible files, and optionally monitor it for changes",
		Method:      "POST",
		Path:        "/index/directory",
		Tags:        []string{"Index"},
	}, func(ctx context.Context, input *IndexDirectoryInput) (*IndexDirectoryOutput, error) {
		manifest, err := srv.Pipeline.IndexDirectory(ctx, input.Body.Path, input.Body.Recursive, input.Body.Monitor)
		if err != nil {
			if errdefs.IsType(err, errdefs.ErrTypeUnsupportedPath) {
				return nil, huma.Error400BadRequest("invalid path", err)
			}
			return nil, huma.Error500InternalServerError("directory scan failed", err)
		}
		return &IndexDirectoryOutput{Body: manifest}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "indexFile",
		Summary:     "Index a single file",
		Method:      "POST",
		Path:        "/index/file",
		Tags:        []string{"Index"},
	}, func(ctx context.Context, input *IndexFileInput) (*IndexFileOutput, error) {
		outcome, err := srv.Pipeline.IndexFile(ctx, input.Body.Path)
		if err != nil {
			if errdefs.IsType(err, errdefs.ErrTypeUnsupportedPath) {
				return nil, huma.Error400BadRequest("invalid path", err)
			}
			return nil, huma.Error500InternalServerError("indexing failed", err)
		}

		out := &IndexFileOutput{}
		out.Body.Path = input.Body.Path
		out.Body.Outcome = string(outcome)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "indexStats",
		Summary:     "Get index statistics",
		Method:      "GET",
		Path:        "/index/stats",
		Tags:        []string{"Index"},
	}, func(ctx context.Context, input *struct{}) (*StatsOutput, error) {
		stats, err := srv.Pipeline.GetStats()
		if err != nil {
			return nil, huma.Error500InternalServerError("stats unavailable", err)
		}
		return &StatsOutput{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search",
		Summary:     "Search indexed files",
		Description: "Exact, fuzzy, regex, semantic, or natural language search with structured filters",
		Method:      "GET",
		Path:        "/search",
		Tags:        []string{"Search"},
	}, func(ctx context.Context, input *SearchInput) (*SearchOutput, error) {
		req := &query.Request{
			Query:          input.Query,
			Type:           query.SearchType(input.Type),
			Limit:          input.Limit,
			IncludeContent: input.IncludeContent,
		}

		filters, err := filtersFromInput(input)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid filter", err)
		}
		if filters != nil {
			req.Filters = filters
		}

		resp, err := srv.Search.Search(ctx, req)
		if err != nil {
			if errdefs.IsType(err, errdefs.ErrTypeInvalidQuery) {
				return nil, huma.Error400BadRequest("invalid query", err)
			}
			return nil, huma.Error500InternalServerError("search failed", err)
		}
		return &SearchOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "syncNow",
		Summary:     "Replay queued operations",
		Method:      "POST",
		Path:        "/sync",
		Tags:        []string{"Sync"},
	}, func(ctx context.Context, input *struct{}) (*SyncOutput, error) {
		result, err := srv.Sync.SyncNow(ctx)
		if err != nil {
			if errdefs.IsType(err, errdefs.ErrTypeConflict) {
				return nil, huma.Error409Conflict(err.Error())
			}
			return nil, huma.Error500InternalServerError("sync failed", err)
		}
		return &SyncOutput{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "syncConflicts",
		Summary:     "List parked operations",
		Description: "Conflicted and failed operations awaiting manual resolution",
		Method:      "GET",
		Path:        "/sync/conflicts",
		Tags:        []string{"Sync"},
	}, func(ctx context.Context, input *struct{}) (*ConflictsOutput, error) {
		ops, err := srv.Sync.Conflicts()
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list conflicts", err)
		}
		out := &ConflictsOutput{}
		out.Body.Operations = ops
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "syncRetry",
		Summary:     "Retry a parked operation",
		Method:      "POST",
		Path:        "/sync/conflicts/{id}/retry",
		Tags:        []string{"Sync"},
	}, func(ctx context.Context, input *RetryInput) (*RetryOutput, error) {
		if err := srv.Sync.RetryOperation(ctx, input.ID); err != nil {
			return nil, huma.Error409Conflict("retry failed", err)
		}
		out := &RetryOutput{}
		out.Body.Status = "retry scheduled"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fileOp",
		Summary:     "Perform or queue a file operation",
		Description: "Applies immediately when online; captured for later sync when offline",
		Method:      "POST",
		Path:        "/ops",
		Tags:        []string{"Sync"},
	}, func(ctx context.Context, input *FileOpInput) (*FileOpOutput, error) {
		var (
			op  *opqueue.Operation
			err error
		)
		switch opqueue.OpType(input.Body.Type) {
		case opqueue.OpRename:
			op, err = srv.Sync.Rename(ctx, input.Body.Path, input.Body.NewName)
		case opqueue.OpMove:
			op, err = srv.Sync.Move(ctx, input.Body.Path, input.Body.DestPath)
		case opqueue.OpTagUpdate:
			op, err = srv.Sync.UpdateTags(ctx, input.Body.Path, input.Body.Tags)
		case opqueue.OpDelete:
			op, err = srv.Sync.Delete(ctx, input.Body.Path)
		default:
			return nil, huma.Error400BadRequest("unknown operation type")
		}
		if err != nil {
			if errdefs.IsType(err, errdefs.ErrTypeConflict) {
				return nil, huma.Error409Conflict(err.Error())
			}
			return nil, huma.Error500InternalServerError("operation failed", err)
		}
		return &FileOpOutput{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "setStatus",
		Summary:     "Set connectivity state",
		Description: "Going online triggers a sync pass",
		Method:      "POST",
		Path:        "/status",
		Tags:        []string{"Status"},
	}, func(ctx context.Context, input *StatusInput) (*StatusOutput, error) {
		srv.Sync.SetOnline(input.Body.Online)
		log.Infof("connectivity set to online=%v", input.Body.Online)
		return statusOutput(srv)
	})

	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Summary:     "Get daemon status",
		Method:      "GET",
		Path:        "/status",
		Tags:        []string{"Status"},
	}, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		return statusOutput(srv)
	})
}

func statusOutput(srv *Server) (*StatusOutput, error) {
	queued, err := srv.Sync.QueueLen()
	if err != nil {
		return nil, huma.Error500InternalServerError("queue unavailable", err)
	}

	out := &StatusOutput{}
	out.Body.Online = srv.Sync.Online()
	out.Body.QueuedOps = queued
	if srv.Monitor != nil {
		out.Body.Monitoring = srv.Monitor.IsRunning()
		out.Body.Roots = srv.Monitor.Roots()
		out.Body.LastReconcile = srv.Monitor.LastReconcile()
	}
	return out, nil
}

func filtersFromInput(input *SearchInput) (*query.Filters, error) {
	f := &query.Filters{}
	used := false

	if input.FileTypes != "" {
		f.FileTypes = splitCSV(input.FileTypes)
		used = true
	}
	if input.Categories != "" {
		f.Categories = splitCSV(input.Categories)
		used = true
	}
	if input.DateFrom != "" {
		t, err := time.Parse(time.RFC3339, input.DateFrom)
		if err != nil {
			return nil, err
		}
		f.DateFrom = t
		used = true
	}
	if input.DateTo != "" {
		t, err := time.Parse(time.RFC3339, input.DateTo)
		if err != nil {
			return nil, err
		}
		f.DateTo = t
		used = true
	}
	if input.MinSize > 0 {
		f.MinSize = input.MinSize
		used = true
	}
	if input.MaxSize > 0 {
		f.MaxSize = input.MaxSize
		used = true
	}

	if !used {
		return nil, nil
	}
	return f, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
