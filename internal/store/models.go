package store

import "time"

// SyncRun records one slave's reconciliation within a sync run.
type SyncRun struct {
	ID               int64
	Master           string
	Slave            string
	StartTime        time.Time
	EndTime          time.Time
	ImagesCreated    int
	ImagesReplaced   int
	ImagesSkipped    int
	ImagesFailed     int
	BytesTransferred int64
	Status           string // "running", "success", "partial", "failed"
	ErrorMessage     string
}

// Replace-sequence steps, in order. The journal stores the last completed
// step so a later run can tell a finished replace apart from one that died
// between the backup rename and the new image becoming visible.
const (
	StepRenamed  = "renamed"  // old slave image renamed to its backup name
	StepCreated  = "created"  // replacement image created under the original name
	StepUploaded = "uploaded" // content upload confirmed
	StepDone     = "done"     // backup deleted, sequence complete
)

// ReplaceRecord journals the progress of one replace sequence on one
// slave, keyed by (slave, image name). Records for completed sequences
// stay at step "done" until a later run confirms no backup remains and
// clears them.
type ReplaceRecord struct {
	ID         int64
	RunID      int64
	Slave      string
	ImageName  string
	BackupName string
	Step       string
	UpdatedAt  time.Time
}
