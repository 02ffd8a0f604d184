package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AvengeMedia/dankindex/internal/api"
	"github.com/AvengeMedia/dankindex/internal/opqueue"
	"github.com/AvengeMedia/dankindex/internal/pipeline"
	"github.com/AvengeMedia/dankindex/internal/query"
	"github.com/AvengeMedia/dankindex/internal/syncer"
)

type mockPipeline struct{}

func (m *mockPipeline) IndexFile(ctx context.Context, path string) (pipeline.Outcome, error) {
	return pipeline.OutcomeIndexed, nil
}

func (m *mockPipeline) IndexDirectory(ctx context.Context, root string, recursive, watch bool) (*pipeline.DirManifest, error) {
	return &pipeline.DirManifest{Root: root}, nil
}

func (m *mockPipeline) GetStats() (*pipeline.Stats, error) {
	return &pipeline.Stats{}, nil
}

type mockSearch struct{}

func (m *mockSearch) Search(ctx context.Context, req *query.Request) (*query.Response, error) {
	return &query.Response{Query: req.Query, Type: req.Type}, nil
}

type mockSync struct{}

func (m *mockSync) SyncNow(ctx context.Context) (*syncer.SyncResult, error) {
	return &syncer.SyncResult{}, nil
}

func (m *mockSync) SetOnline(online bool) {}
func (m *mockSync) Online() bool          { return true }

func (m *mockSync) Conflicts() ([]*opqueue.Operation, error) {
	return nil, nil
}

func (m *mockSync) RetryOperation(ctx context.Context, id uint64) error { return nil }

func (m *mockSync) Rename(ctx context.Context, path, newName string) (*opqueue.Operation, error) {
	return &opqueue.Operation{}, nil
}

func (m *mockSync) Move(ctx context.Context, path, destPath string) (*opqueue.Operation, error) {
	return &opqueue.Operation{}, nil
}

func (m *mockSync) UpdateTags(ctx context.Context, path string, tags []string) (*opqueue.Operation, error) {
	return &opqueue.Operation{}, nil
}

func (m *mockSync) Delete(ctx context.Context, path string) (*opqueue.Operation, error) {
	return &opqueue.Operation{}, nil
}

func (m *mockSync) QueueLen() (int, error) { return 0, nil }

func mockServer() *api.Server {
	return &api.Server{
		Pipeline: &mockPipeline{},
		Search:   &mockSearch{},
		Sync:     &mockSync{},
	}
}

func TestNewHTTP(t *testing.T) {
	srv := NewHTTP(":43655", mockServer())

	if srv == nil {
		t.Fatal("NewHTTP() returned nil")
	}
	if srv.server == nil {
		t.Error("server should not be nil")
	}
	if srv.server.Addr != ":43655" {
		t.Errorf("Addr = %v, want :43655", srv.server.Addr)
	}
}

func TestHTTPServer_Routes(t *testing.T) {
	srv := NewHTTP(":43655", mockServer())

	tests := []struct {
		name   string
		path   string
		method string
		status int
	}{
		{
			name:   "health endpoint",
			path:   "/health",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "search endpoint",
			path:   "/search?q=test",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "stats endpoint",
			path:   "/index/stats",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "status endpoint",
			path:   "/status",
			method: http.MethodGet,
			status: http.StatusOK,
		},
		{
			name:   "docs page",
			path:   "/docs",
			method: http.MethodGet,
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()

			srv.server.Handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %v, want %v", rec.Code, tt.status)
			}
		})
	}
}

func TestHTTPServer_Shutdown(t *testing.T) {
	srv := NewHTTP(":0", mockServer())

	go func() {
		srv.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
