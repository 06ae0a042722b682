package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/llm"
	"github.com/raphaelgruber/lakeflow/internal/models"
)

// Responder turns the final compacted resource into the request's answer.
type Responder struct {
	deps *Dependencies
}

// HandleFinalResponse generates the answer, stores it as an entry and
// completes the request.
func (r *Responder) HandleFinalResponse(ctx context.Context, ev events.FinalResponse) error {
	logger := r.deps.Logger.With("request_id", ev.RequestID)

	req, err := r.deps.Requests.GetRequest(ctx, ev.RequestID)
	if err != nil {
		return fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		logger.Warn("final response for unknown request")
		return nil
	}
	if req.Status != models.RequestStatusProcessing {
		logger.Debug("request not processing, skipping final response", "request_status", req.Status)
		return nil
	}

	parent := models.JobKey{Type: ev.ParentJobType, ID: ev.ParentJobID}
	job, err := r.deps.Jobs.CreateChild(ctx, parent, models.JobTypeFinalResponse)
	if err != nil {
		return err
	}

	opts := jobs.ExecOptions{FailureMessage: "final response failed", FailParent: true}
	return r.deps.Jobs.Execute(ctx, job, opts, func(ctx context.Context) error {
		s := r.deps.Settings
		content, err := loadContent(ctx, r.deps.Content, ev.SourceResourceName)
		if err != nil {
			return err
		}

		res, err := r.deps.AI.Invoke(ctx, responsePrompt(req.Goal, content), s.ResponseModelID, s.MaxOutputTokens)
		if err != nil {
			return fmt.Errorf("invoke response model: %w", err)
		}
		if err := r.deps.Jobs.RecordAIUsage(ctx, job.Key(), res.ModelID, res.InputTokens, res.OutputTokens); err != nil {
			return err
		}
		if strings.TrimSpace(res.Text) == "" {
			return fmt.Errorf("response model returned no content")
		}

		insights, err := r.insights(ctx, job.Key(), req.Goal, res.Text)
		if err != nil {
			return err
		}
		entry, err := r.deps.storeEntry(ctx, res.Text, []string{ev.SourceResourceName.String()}, func(e *models.Entry) {
			e.Tags = insights.Tags
			if insights.Completeness != "" {
				e.AnalysisScores = map[string]string{models.ScoreCompleteness: string(insights.Completeness)}
			}
		})
		if err != nil {
			return err
		}

		applied, err := r.deps.Requests.CompleteRequest(ctx, req.RequestID, entry.EntryID, r.deps.now())
		if err != nil {
			return fmt.Errorf("complete request: %w", err)
		}
		if !applied {
			logger.Debug("request completed by another delivery, dropping answer", "entry_id", entry.EntryID)
			return nil
		}
		if err := r.deps.Jobs.Complete(ctx, parent); err != nil {
			return err
		}
		logger.Info("information request completed", "entry_id", entry.EntryID, "completeness", insights.Completeness)

		if req.DestinationArchiveID == "" {
			return nil
		}
		index := events.IndexEntry{ArchiveID: req.DestinationArchiveID, EntryID: entry.EntryID}
		if err := r.deps.Publisher.Submit(ctx, index, 0); err != nil {
			return fmt.Errorf("publish index_entry: %w", err)
		}
		return nil
	})
}

// insights extracts tags and a completeness score from the answer. Output
// that cannot be parsed yields empty insights rather than failing the
// response.
func (r *Responder) insights(ctx context.Context, job models.JobKey, goal, answer string) (llm.Insights, error) {
	s := r.deps.Settings
	res, err := r.deps.AI.Invoke(ctx, llm.InsightPrompt(goal, answer), s.QueryModelID, s.MaxOutputTokens)
	if err != nil {
		return llm.Insights{}, fmt.Errorf("invoke insight model: %w", err)
	}
	if err := r.deps.Jobs.RecordAIUsage(ctx, job, res.ModelID, res.InputTokens, res.OutputTokens); err != nil {
		return llm.Insights{}, err
	}
	insights, err := llm.ParseInsights(res.Text)
	if err != nil {
		r.deps.Logger.Warn("unparseable insights", "job_id", job.ID, "error", err)
		return llm.Insights{Tags: []string{}}, nil
	}
	return insights, nil
}

// HandleIndexEntry adds an answer entry to an archive. For VECTOR archives
// the entry is also embedded into the store whose tags match it best.
func (r *Responder) HandleIndexEntry(ctx context.Context, ev events.IndexEntry) error {
	job, err := r.deps.Jobs.Create(ctx, models.JobTypeIndexEntry)
	if err != nil {
		return err
	}
	return r.deps.Jobs.Execute(ctx, job, jobs.ExecOptions{FailureMessage: "index entry failed"}, func(ctx context.Context) error {
		archive, err := r.deps.Archives.GetArchive(ctx, ev.ArchiveID)
		if err != nil {
			return fmt.Errorf("get archive: %w", err)
		}
		if archive == nil {
			return sourceError("archive %s does not exist", ev.ArchiveID)
		}
		entry, err := r.deps.Entries.GetEntry(ctx, ev.EntryID)
		if err != nil {
			return fmt.Errorf("get entry: %w", err)
		}
		if entry == nil {
			return sourceError("entry %s does not exist", ev.EntryID)
		}

		if err := r.deps.Entries.AddEntryToArchive(ctx, ev.ArchiveID, ev.EntryID); err != nil {
			return fmt.Errorf("add entry to archive: %w", err)
		}
		if archive.ArchiveType == models.ArchiveTypeVector {
			if err := r.embedEntry(ctx, entry, archive.ArchiveID); err != nil {
				return err
			}
		}
		r.deps.Logger.Info("entry indexed", "archive_id", ev.ArchiveID, "entry_id", ev.EntryID)
		return nil
	})
}

func (r *Responder) embedEntry(ctx context.Context, entry *models.Entry, archiveID string) error {
	stores, err := r.deps.Archives.ListVectorStores(ctx, archiveID)
	if err != nil {
		return fmt.Errorf("list vector stores: %w", err)
	}
	if len(stores) == 0 {
		return sourceError("archive %s has no vector stores", archiveID)
	}
	content, err := loadContent(ctx, r.deps.Content, entry.Resource())
	if err != nil {
		return err
	}
	embedding, err := r.deps.Embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed entry: %w", err)
	}
	storeID := SelectStores(stores, entry.Tags)[0]
	if err := r.deps.Vectors.AddVector(ctx, storeID, entry.EntryID, embedding); err != nil {
		return fmt.Errorf("add vector: %w", err)
	}
	return nil
}
