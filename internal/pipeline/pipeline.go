// Package pipeline defines the link ingestion workflow.
//
// Ingestion is expressed as a sequence of durable steps: fetch the
// page, persist the link, split the text into chunks, embed each chunk,
// index each vector, record the vector refs, and notify the owner.
// Every step is memoized through the workflow log, so a crashed or
// retried run resumes at the first step that has not succeeded yet.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lodestone-ai/lodestone/internal/chunker"
	"github.com/lodestone-ai/lodestone/internal/fetcher"
	"github.com/lodestone-ai/lodestone/internal/model"
	"github.com/lodestone-ai/lodestone/internal/notify"
	"github.com/lodestone-ai/lodestone/internal/owners"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/service/embedding"
	"github.com/lodestone-ai/lodestone/internal/storage"
	"github.com/lodestone-ai/lodestone/internal/workflow"
)

// Step names. These are durable idempotency keys; renaming one orphans
// the step history of in-flight runs.
const (
	stepFetch    = "fetch-content"
	stepPersist  = "persist-link"
	stepSplit    = "split-content"
	stepCap      = "cap-chunks"
	stepEmbed    = "embed-chunk"
	stepIndex    = "index-vector"
	stepLink     = "link-vectors"
	stepNotify   = "notify-success"
)

// Options tune chunking and fan-out.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	MaxChunks    int
	// EmbedConcurrency bounds the embed/index fan-out within one run.
	EmbedConcurrency int
}

// Pipeline wires the ingestion workflow's collaborators.
type Pipeline struct {
	fetcher  fetcher.Fetcher
	embed    embedding.Provider
	index    search.Index
	owners   *owners.Store
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger
}

// New creates an ingestion pipeline.
func New(f fetcher.Fetcher, embed embedding.Provider, index search.Index, store *owners.Store, notifier notify.Notifier, opts Options, logger *slog.Logger) *Pipeline {
	if opts.EmbedConcurrency <= 0 {
		opts.EmbedConcurrency = 4
	}
	return &Pipeline{
		fetcher:  f,
		embed:    embed,
		index:    index,
		owners:   store,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Ingest is the workflow handler for one run. A nil return means the
// link is persisted, indexed, and the owner notified; any error marks
// the run failed after a best-effort failure notification.
func (p *Pipeline) Ingest(ctx context.Context, run *workflow.Run) error {
	err := p.ingest(ctx, run)
	if err != nil && ctx.Err() == nil {
		p.notifyFailure(context.WithoutCancel(ctx), run, err)
	}
	return err
}

func (p *Pipeline) ingest(ctx context.Context, run *workflow.Run) error {
	page, err := workflow.Do(ctx, run, stepFetch, func(ctx context.Context) (fetcher.Page, error) {
		page, err := p.fetcher.Fetch(ctx, run.URL)
		if err != nil {
			if errors.Is(err, fetcher.ErrBadStatus) || errors.Is(err, fetcher.ErrEmptyBody) {
				return fetcher.Page{}, workflow.Terminal(err)
			}
			return fetcher.Page{}, err
		}
		return page, nil
	})
	if err != nil {
		return err
	}

	link, err := workflow.Do(ctx, run, stepPersist, func(ctx context.Context) (model.Link, error) {
		link, err := p.owners.AddLink(ctx, run.Owner, run.URL)
		if errors.Is(err, storage.ErrDuplicateURL) {
			return model.Link{}, workflow.Terminal(err)
		}
		return link, err
	})
	if err != nil {
		return err
	}

	chunks, err := workflow.Do(ctx, run, stepSplit, func(ctx context.Context) ([]string, error) {
		return chunker.Split(page.Text, p.opts.ChunkSize, p.opts.ChunkOverlap), nil
	})
	if err != nil {
		return err
	}

	chunks, err = workflow.Do(ctx, run, stepCap, func(ctx context.Context) ([]string, error) {
		return chunker.Cap(chunks, p.opts.MaxChunks), nil
	})
	if err != nil {
		return err
	}

	vectorIDs := make([]string, len(chunks))
	err = workflow.FanOut(ctx, len(chunks), p.opts.EmbedConcurrency, func(ctx context.Context, i int) error {
		vector, err := workflow.Do(ctx, run, workflow.StepName(stepEmbed, i), func(ctx context.Context) ([]float32, error) {
			vector, err := p.embed.Embed(ctx, chunks[i])
			if err != nil {
				return nil, err
			}
			if len(vector) == 0 {
				return nil, workflow.Terminalf("empty embedding for chunk %d", i)
			}
			return vector, nil
		})
		if err != nil {
			return err
		}

		vectorID, err := workflow.Do(ctx, run, workflow.StepName(stepIndex, i), func(ctx context.Context) (string, error) {
			id := model.VectorID(run.Owner, link.ID, i)
			metadata := map[string]string{
				search.MetaURL:    run.URL,
				search.MetaLinkID: strconv.FormatInt(link.ID, 10),
			}
			if err := p.index.Upsert(ctx, run.Owner, id, vector, metadata); err != nil {
				return "", err
			}
			return id, nil
		})
		if err != nil {
			return err
		}
		vectorIDs[i] = vectorID
		return nil
	})
	if err != nil {
		return err
	}

	_, err = workflow.Do(ctx, run, stepLink, func(ctx context.Context) (int, error) {
		if err := p.owners.AddVectorRefs(ctx, run.Owner, link.ID, vectorIDs); err != nil {
			return 0, err
		}
		return len(vectorIDs), nil
	})
	if err != nil {
		return err
	}

	_, err = workflow.Do(ctx, run, stepNotify, func(ctx context.Context) (bool, error) {
		msg := notify.Message{
			To:       run.Owner,
			Subject:  "Link saved",
			TextBody: fmt.Sprintf("Your link was saved and indexed.\n\nURL: %s\nChunks indexed: %d", run.URL, len(vectorIDs)),
		}
		if err := p.notifier.Notify(ctx, msg); err != nil {
			// Notification failures never fail a run.
			p.logger.Warn("pipeline: success notification failed",
				"owner", run.Owner,
				"error", err,
			)
		}
		return true, nil
	})
	return err
}

func (p *Pipeline) notifyFailure(ctx context.Context, run *workflow.Run, cause error) {
	msg := notify.Message{
		To:       run.Owner,
		Subject:  "Link could not be saved",
		TextBody: fmt.Sprintf("Your link could not be saved.\n\nURL: %s\nReason: %s", run.URL, cause.Error()),
	}
	if err := p.notifier.Notify(ctx, msg); err != nil {
		p.logger.Warn("pipeline: failure notification failed",
			"owner", run.Owner,
			"error", err,
		)
	}
}
