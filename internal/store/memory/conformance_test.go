package memory

import (
	"testing"

	"bourse/internal/store"
	"bourse/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Repository { return New() })
}
