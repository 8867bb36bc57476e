package pipelinespec

import (
	"fmt"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/nimbusflow/internal/assets/schemas"
)

// SchemaID identifies the normalized pipeline job schema.
const SchemaID = "nimbusflow/v1.0.0/pipeline-job"

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidateRaw checks normalized job JSON against the embedded schema and
// returns a *FormatError listing every error-level diagnostic.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var issues []Issue
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			issues = append(issues, Issue{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return &FormatError{Issues: issues}
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.PipelineJobSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded pipeline-job schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.PipelineJobSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile pipeline job schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
