package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/skypro1111/wav-stream-converter/internal/storage"
)

// Artifact concatenates every segment into one stored file. The file is
// committed on end of stream; a detached artifact is discarded.
type Artifact struct {
	*worker

	store  storage.FileStore
	name   string
	w      io.WriteCloser
	logger *slog.Logger

	finished atomic.Bool
}

// NewArtifact opens name in store for writing
func NewArtifact(ctx context.Context, store storage.FileStore, name string, logger *slog.Logger) (*Artifact, error) {
	w, err := store.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	return &Artifact{
		worker: newWorker(w),
		store:  store,
		name:   name,
		w:      w,
		logger: logger,
	}, nil
}

// Start launches the write worker
func (a *Artifact) Start(notify Notify) {
	a.start(notify)
}

// Append queues frame for writing; completion is reported through Notify
func (a *Artifact) Append(frame []byte) error {
	return a.submit(frame)
}

// EndOfStream commits the artifact
func (a *Artifact) EndOfStream() error {
	if !a.finished.CompareAndSwap(false, true) {
		return ErrDetached
	}
	a.stop()
	if err := a.w.Close(); err != nil {
		return fmt.Errorf("commit artifact %s: %w", a.name, err)
	}

	a.logger.Info("Artifact stored",
		slog.String("location", a.store.Location(a.name)),
		slog.Int64("bytes", a.bytesWritten()),
	)
	return nil
}

// Detach discards the partial artifact
func (a *Artifact) Detach() {
	if !a.finished.CompareAndSwap(false, true) {
		return
	}

	// Abort first so an in-flight write blocked on the store fails fast
	var err error
	if ab, ok := a.w.(storage.Aborter); ok {
		err = ab.Abort(ErrDetached)
	} else {
		a.w.Close()
		err = a.store.Remove(context.Background(), a.name)
	}
	a.stop()
	if err != nil && !errors.Is(err, ErrDetached) {
		a.logger.Warn("Failed to discard partial artifact",
			slog.String("name", a.name),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.Debug("Partial artifact discarded", slog.String("name", a.name))
}

// Written returns the bytes written so far
func (a *Artifact) Written() int64 {
	return a.bytesWritten()
}

// Describe returns the artifact location
func (a *Artifact) Describe() string {
	return a.store.Location(a.name)
}

// Name returns the artifact name within its store
func (a *Artifact) Name() string {
	return a.name
}

var _ Sink = (*Artifact)(nil)
