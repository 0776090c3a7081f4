package yaml

import "fmt"

// SchemaVersion is the newest header version this build writes and reads.
const SchemaVersion = 1

// Kinds of state documents.
const (
	KindRunState    = "run_state"
	KindReviewQueue = "review_queue"
	KindWorkspace   = "workspace"
)

// Header opens every state document so a reader can refuse files written for
// another purpose or by a newer build.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(kind string) Header {
	return Header{SchemaVersion: SchemaVersion, FileType: kind}
}

func (h Header) check(kind string) error {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("missing schema_version")
	case h.SchemaVersion > SchemaVersion:
		return fmt.Errorf("schema_version %d is newer than supported %d", h.SchemaVersion, SchemaVersion)
	case h.FileType != kind:
		return fmt.Errorf("file_type %q, want %q", h.FileType, kind)
	}
	return nil
}
