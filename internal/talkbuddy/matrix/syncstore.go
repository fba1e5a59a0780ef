package matrix

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*SyncStore)(nil)

// SyncValues persists small per-user values. store.Store implements it.
type SyncValues interface {
	SaveSyncValue(ctx context.Context, userID, key, value string) error
	LoadSyncValue(ctx context.Context, userID, key string) (string, error)
}

// SyncStore keeps the sync filter and next_batch token in the record store so
// a restart resumes where it stopped instead of answering old messages again.
type SyncStore struct {
	values SyncValues
}

// NewSyncStore returns a SyncStore over v.
func NewSyncStore(v SyncValues) *SyncStore {
	return &SyncStore{values: v}
}

func (s *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.values.SaveSyncValue(ctx, userID.String(), "filter_id", filterID)
}

// LoadFilterID returns "" when no filter has been saved.
func (s *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.values.LoadSyncValue(ctx, userID.String(), "filter_id")
}

func (s *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.values.SaveSyncValue(ctx, userID.String(), "next_batch", nextBatchToken)
}

// LoadNextBatch returns "" on first run.
func (s *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.values.LoadSyncValue(ctx, userID.String(), "next_batch")
}
