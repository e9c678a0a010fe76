package config

import "time"

// Snapshot is one successfully parsed revision of the pipeline file.
type Snapshot struct {
	Generation int64
	ReceivedAt time.Time
	Pipelines  *PipelineFile
}
