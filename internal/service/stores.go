// Package service implements the information-request workflow: intake,
// query fan-out and fan-in, recursive compaction and response generation.
// Every handler is stateless and safe under duplicate and reordered
// delivery; coordination happens only through the atomic countdowns of the
// stores below.
package service

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/bus"
	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/llm"
	"github.com/raphaelgruber/lakeflow/internal/metrics"
	"github.com/raphaelgruber/lakeflow/internal/models"
)

// RequestStore persists information requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *models.InformationRequest) (bool, error)
	GetRequest(ctx context.Context, id string) (*models.InformationRequest, error)
	// BeginProcessing moves a PENDING request to PROCESSING. Exactly one
	// caller gets true.
	BeginProcessing(ctx context.Context, id string, sources []string, remainingQueries int, at time.Time) (bool, error)
	// CompleteQuery counts queryID once against remaining_queries and unions
	// sources into original_sources.
	CompleteQuery(ctx context.Context, id, queryID string, sources []string) (*models.InformationRequest, models.Countdown, error)
	// CompleteRequest marks a non-terminal request COMPLETED. Exactly one
	// caller gets true.
	CompleteRequest(ctx context.Context, id, entryID string, at time.Time) (bool, error)
	FailRequest(ctx context.Context, id, message string) error
}

// CompactionStore persists the per-request reduction state.
type CompactionStore interface {
	// StartRun records run as the request's current run. It applies only
	// when run follows the stored run, so exactly one caller starts each run.
	StartRun(ctx context.Context, run *models.CompactionRun) (bool, error)
	GetRun(ctx context.Context, requestID string) (*models.CompactionRun, error)
	// CompleteGroup counts groupKey once against the current run. A run
	// number other than the current one is reported as a duplicate.
	CompleteGroup(ctx context.Context, requestID string, run int, groupKey, resource string) (*models.CompactionRun, models.Countdown, error)
}

// QueryStore persists vector-store query fan-in state.
type QueryStore interface {
	CreateQuery(ctx context.Context, q *models.VectorStoreQuery) (bool, error)
	GetQuery(ctx context.Context, id string) (*models.VectorStoreQuery, error)
	CompleteBatch(ctx context.Context, queryID, batchKey string, resources []string) (*models.VectorStoreQuery, models.Countdown, error)
	MarkQueryCompleted(ctx context.Context, id string, at time.Time) error
}

// EntryStore persists entry records and archive membership.
type EntryStore interface {
	PutEntry(ctx context.Context, e *models.Entry) error
	GetEntry(ctx context.Context, id string) (*models.Entry, error)
	AddEntryToArchive(ctx context.Context, archiveID, entryID string) error
	ListArchiveEntries(ctx context.Context, archiveID string) ([]string, error)
}

// ContentStore holds raw content keyed by resource name.
type ContentStore interface {
	SaveContent(ctx context.Context, id, content string) error
	GetContent(ctx context.Context, id string) (string, bool, error)
}

// ArchiveRegistry resolves archive configuration.
type ArchiveRegistry interface {
	GetArchive(ctx context.Context, id string) (*models.Archive, error)
	ListVectorStores(ctx context.Context, archiveID string) ([]models.VectorStore, error)
}

// VectorIndex searches and extends vector stores.
type VectorIndex interface {
	SearchVectorStore(ctx context.Context, storeID string, embedding []float32, limit int) ([]string, error)
	AddVector(ctx context.Context, storeID, entryID string, embedding []float32) error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is implemented by backends that provide every table at once.
type Store interface {
	jobs.Store
	RequestStore
	CompactionStore
	QueryStore
	EntryStore
	ContentStore
	ArchiveRegistry
	VectorIndex
}

// Dependencies wires the workflow components to their collaborators.
type Dependencies struct {
	Jobs      *jobs.Tracker
	Requests  RequestStore
	Runs      CompactionStore
	Queries   QueryStore
	Entries   EntryStore
	Content   ContentStore
	Archives  ArchiveRegistry
	Vectors   VectorIndex
	Embedder  Embedder
	AI        llm.Invoker
	Publisher bus.Publisher
	Settings  config.Settings
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	// Rand drives INCLUSIVE sampling. Seed it for reproducible selections.
	Rand *rand.Rand
	Now  func() time.Time
}

// FromStore fills every store dependency from one backend.
func (d Dependencies) FromStore(s Store) Dependencies {
	d.Requests = s
	d.Runs = s
	d.Queries = s
	d.Entries = s
	d.Content = s
	d.Archives = s
	d.Vectors = s
	return d
}

func (d *Dependencies) withDefaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewCollector()
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

func (d *Dependencies) now() time.Time {
	return d.Now().UTC()
}
