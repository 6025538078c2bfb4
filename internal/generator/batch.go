package generator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mvpforge/internal/chunk"
	"mvpforge/internal/domain"
)

// BatchGenerator is the single-batch call the Batcher drives.
type BatchGenerator interface {
	Generate(ctx context.Context, req BatchRequest) ([]domain.GeneratedFile, error)
}

type GenerateAllRequest struct {
	Plan     string
	Files    []domain.FileSpec
	Messages []domain.Message
}

// BatchProgress is reported after each successful batch.
type BatchProgress struct {
	Index     int
	Total     int
	Requested int
	Received  int
}

// BatchError identifies the batch that failed.
type BatchError struct {
	Index int
	Total int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d/%d: %v", e.Index+1, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Batcher generates a whole file plan in sequential batches. Each batch sees
// everything generated before it.
type Batcher struct {
	Generator BatchGenerator
	BatchSize int
	Logger    *zap.Logger
	Progress  func(BatchProgress)
}

func (b Batcher) GenerateAll(ctx context.Context, req GenerateAllRequest) ([]domain.GeneratedFile, error) {
	if len(req.Files) == 0 {
		return nil, domain.Preconditionf("no target files to generate")
	}
	size := b.BatchSize
	if size == 0 {
		size = 4
	}
	batches, err := chunk.Split(req.Files, size)
	if err != nil {
		return nil, err
	}
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var generated []domain.GeneratedFile
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Info("generating batch",
			zap.Int("batch", i+1),
			zap.Int("batches", len(batches)),
			zap.Int("files", len(batch)))
		files, err := b.Generator.Generate(ctx, BatchRequest{
			Plan:             req.Plan,
			TargetFiles:      batch,
			AlreadyGenerated: snapshot(generated),
			Messages:         req.Messages,
		})
		if err != nil {
			return nil, &BatchError{Index: i, Total: len(batches), Err: err}
		}
		generated = append(generated, files...)
		if b.Progress != nil {
			b.Progress(BatchProgress{Index: i, Total: len(batches), Requested: len(batch), Received: len(files)})
		}
	}
	return generated, nil
}

func snapshot(files []domain.GeneratedFile) []domain.GeneratedFile {
	if len(files) == 0 {
		return nil
	}
	out := make([]domain.GeneratedFile, len(files))
	copy(out, files)
	return out
}
