package provenance

import (
	"fmt"
	"log"
)

// Recorder appends reduction progress notes to one run's stored log.
// It satisfies the pipeline's recorder interface, so a workflow wired
// with one persists the same lines it prints.
type Recorder struct {
	db    *DB
	runID string
}

// Recorder returns a recorder for the given run. Storage failures are
// logged and swallowed; a full disk must not abort a reduction.
func (db *DB) Recorder(runID string) *Recorder {
	return &Recorder{db: db, runID: runID}
}

// Note stores one formatted log line.
func (r *Recorder) Note(format string, args ...any) {
	if err := r.db.AppendLog(r.runID, fmt.Sprintf(format, args...)); err != nil {
		log.Printf("Failed to store log line for run %s: %v", r.runID, err)
	}
}
