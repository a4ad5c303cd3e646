package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"testing"
)

func createLocalDB(t *testing.T, dbName string) string {
	t.Helper()
	t.Log("Note: postgres tests require a postgres install accessible to the current user")
	dropDB := exec.Command("dropdb", "--if-exists", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		t.Skipf("createdb failed, skipping postgres test: %s", err)
	}
	return dbName
}

func currentUser(t *testing.T) string {
	t.Helper()
	user, err := user.Current()
	if err != nil {
		t.Fatalf("cannot get current user: %s", err)
	}
	return user.Username
}

// PrepareDBConnectionString returns a lib/pq connection string for a test database. The test is
// skipped unless PUSHLINE_TEST_POSTGRES=1 or POSTGRES_DB is set.
func PrepareDBConnectionString(t *testing.T, wantDBName string) (connStr string) {
	t.Helper()
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" && os.Getenv("PUSHLINE_TEST_POSTGRES") != "1" {
		t.Skip("set PUSHLINE_TEST_POSTGRES=1 or POSTGRES_DB to run postgres tests")
	}
	// Required vars: user and db
	// We'll try to infer from the local env if they are missing
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = currentUser(t)
	}
	if dbName == "" {
		dbName = createLocalDB(t, wantDBName)
	}
	connStr = fmt.Sprintf(
		"user=%s dbname=%s sslmode=disable",
		user, dbName,
	)
	// optional vars, used in CI
	password := os.Getenv("POSTGRES_PASSWORD")
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	host := os.Getenv("POSTGRES_HOST")
	if host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return
}
