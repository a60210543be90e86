package httpserver

import "regexp"

// ValidationError is one field failure returned in the error details.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating request identifiers.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Task ids, archive job ids and app user ids share one identifier alphabet:
// what NewTaskID generates, what the archive returns and what uuid prints.
var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxIDLen = 100

func validateID(field, id string) ValidationResult {
	if id == "" {
		return ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: field, Code: "required", Message: field + " is required"}},
		}
	}
	if len(id) > maxIDLen {
		return ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: field, Code: "too_long", Message: field + " is too long (max 100 characters)"}},
		}
	}
	if !validID.MatchString(id) {
		return ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Field: field, Code: "invalid_format", Message: field + " contains invalid characters"}},
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateTaskID validates a task id path parameter.
func ValidateTaskID(taskID string) ValidationResult { return validateID("task_id", taskID) }

// ValidateJobID validates an archive job id query parameter.
func ValidateJobID(jobID string) ValidationResult { return validateID("job_id", jobID) }

// ValidateUserID validates an app user id path parameter.
func ValidateUserID(appUserID string) ValidationResult { return validateID("app_user_id", appUserID) }
