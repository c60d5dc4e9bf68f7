package models

// SyncState is the synchronization engine's state.
type SyncState string

const (
	SyncStateOffline         SyncState = "offline"
	SyncStateIdle            SyncState = "idle"
	SyncStatePushing         SyncState = "pushing"
	SyncStatePulling         SyncState = "pulling"
	SyncStateConflictPending SyncState = "conflict-pending"
	SyncStateError           SyncState = "error"
)

// Online reports whether the state implies remote connectivity.
func (s SyncState) Online() bool {
	return s != SyncStateOffline && s != ""
}

// Syncing reports whether a push or pull is in progress.
func (s SyncState) Syncing() bool {
	return s == SyncStatePushing || s == SyncStatePulling
}
