// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so template validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// PipelineJobSchema is the embedded schema for normalized pipeline job specs
// ({pipelineSpec, runtimeConfig}).
//
//go:embed pipeline-job.schema.json
var PipelineJobSchema []byte
