package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/storage"
)

const recordTimeout = 5 * time.Second

// Recorder writes run history to a store.
type Recorder struct {
	NopObserver
	store storage.Store
	log   *zap.Logger
}

// NewRecorder returns an Observer that persists run metadata.
func NewRecorder(store storage.Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, log: log}
}

func (r *Recorder) RunStarted(info RunInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.CreateRun(ctx, info.Record()); err != nil {
		r.log.Warn("recording run start", zap.String("run", info.ID), zap.Error(err))
	}
}

func (r *Recorder) RunEnded(info RunInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.FinishRun(ctx, info.Record()); err != nil {
		r.log.Warn("recording run end", zap.String("run", info.ID), zap.Error(err))
	}
}
