package store

import (
	"database/sql"
	"errors"
	"flag"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test ./store -args -mysql-dsn='root:@tcp(127.0.0.1:3306)/minichat_test?parseTime=true'
// The database must be loaded with dev/mysql.sql.
var flagMysqlDsn = flag.String("mysql-dsn", "", "mysql dsn of a disposable test database")

func newMysqlStore(t *testing.T) *MysqlStore {
	if *flagMysqlDsn == "" {
		t.Skip("-mysql-dsn is not set")
	}
	db, err := sql.Open("mysql", *flagMysqlDsn)
	require.NoError(t, err)

	for _, table := range []string{"message_reads", "messages", "conversations", "follows"} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}

	s := NewMysqlStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMysqlStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) IStore { return newMysqlStore(t) })
}

func TestIsDupKeyError(t *testing.T) {
	s := &MysqlStore{}
	assert.True(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, s.IsDupKeyError(&mysql.MySQLError{Number: 1213}))
	assert.False(t, s.IsDupKeyError(errors.New("some error")))
}
