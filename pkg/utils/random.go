package utils

import (
	"github.com/google/uuid"
)

// CreateConnectionName builds a unique connection name from the application
// name, suffixed per connection so peers and logs can tell them apart.
func CreateConnectionName(applicationName string) string {
	return applicationName + "-" + uuid.NewString()
}
