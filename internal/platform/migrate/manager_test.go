package migrate

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock, fstest.MapFS, fstest.MapFS) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrations := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("-- second\ncreate table b (id int);\ninsert into b values (1);")},
	}
	seeds := fstest.MapFS{
		"0001_ref.sql": {Data: []byte("insert into ref values ('x;y');")},
	}
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mgr := NewManager(db, migrations, seeds, WithClock(func() time.Time { return fixed }))
	return mgr, mock, migrations, seeds
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	mgr, mock, _, _ := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b values").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := mgr.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_b.up.sql"}, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	mgr, mock, _, _ := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	applied, err := mgr.Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_a.up.sql")
	assert.Empty(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRevertsLatestMigration(t *testing.T) {
	mgr, mock, _, _ := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := mgr.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0001_a.up.sql", name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRequiresDownFile(t *testing.T) {
	mgr, mock, _, _ := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql").AddRow("0002_b.up.sql"))

	_, err := mgr.Down(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing down migration")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedSkipsAppliedFiles(t *testing.T) {
	mgr, mock, _, _ := newMock(t)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_ref.sql"))

	applied, err := mgr.Seed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); -- trailing; comment\nselect 1;\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "insert into t values ('a;b');", stmts[0])
	assert.Contains(t, stmts[1], "select 1;")
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Migrations(), ".up.sql")
	require.NoError(t, err)
	downs, err := collectSQL(Migrations(), ".down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))

	seeds, err := collectSQL(Seeds(), ".sql")
	require.NoError(t, err)
	assert.NotEmpty(t, seeds)
}

func TestPermissionSeedCoversCoreScopes(t *testing.T) {
	raw, err := fs.ReadFile(Seeds(), "0001_permissions.sql")
	require.NoError(t, err)
	for _, code := range shared.CoreScopes() {
		assert.Contains(t, string(raw), "('"+code+"',", code)
	}
}
