package apflow

import (
	"github.com/google/uuid"
	"go.jetify.com/typeid"
)

const workflowIDPrefix = "inv"

// NewWorkflowID returns a sortable, prefix-qualified workflow identifier.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix(workflowIDPrefix)
	if err != nil {
		panic(err)
	}

	return id.String()
}

func newLeaseToken() string {
	return uuid.NewString()
}
