package adminapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// StartRequest is the body of POST /api/rolling-restart/start.
type StartRequest struct {
	DryRun         bool   `json:"dryRun"`
	Force          bool   `json:"force"`
	Reason         string `json:"reason" validate:"omitempty,max=500"`
	SkipValidation bool   `json:"skipValidation"`
}

// CancelRequest is the body of POST /api/rolling-restart/cancel.
type CancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// MaintenanceRequest is the body of PUT /api/nodes/:id/maintenance.
type MaintenanceRequest struct {
	Maintenance bool   `json:"maintenance"`
	Reason      string `json:"reason" validate:"omitempty,max=500"`
}

// NodeOpRequest is the body of POST /api/nodes/:id/{restart|stop|start}.
type NodeOpRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// decode reads and validates a JSON request body into v. An empty body decodes
// to v's zero value, since several endpoints accept an optional body.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}
