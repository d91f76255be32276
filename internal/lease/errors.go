package lease

import (
	"fmt"

	"github.com/google/uuid"
)

func errFileLocked(pathKey string) error {
	return fmt.Errorf("path %q is locked by another agent", pathKey)
}

func errAcquireTimeout(pathKey string) error {
	return fmt.Errorf("timed out waiting for lease on %q", pathKey)
}

func errLeaseNotFound(id uuid.UUID) error {
	return fmt.Errorf("lease %s not found", id)
}

func errNotHolder(id uuid.UUID) error {
	return fmt.Errorf("caller does not hold lease %s", id)
}

func errMaxRenewals(id uuid.UUID) error {
	return fmt.Errorf("lease %s has exhausted its renewal budget", id)
}
