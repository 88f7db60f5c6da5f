//go:build integration

package escrow

import (
	"testing"

	"github.com/mbd888/fiatescrow/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, func(t *testing.T) Store {
		testutil.Truncate(t, db)
		return NewPostgresStore(db)
	})
}
