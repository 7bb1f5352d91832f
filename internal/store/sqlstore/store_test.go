package sqlstore

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driverName: "postgres"}
	if got := pg.rebind("SELECT ? AND ?"); got != "SELECT $1 AND $2" {
		t.Errorf("unexpected postgres rebind: %s", got)
	}
	lite := &SQLStore{driverName: "sqlite3"}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite query should be unchanged, got %s", got)
	}
}
