package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapcube/pkg/adapter"
)

func TestBuildPostgresDSN(t *testing.T) {
	tests := []struct {
		name   string
		config adapter.Config
		want   string
	}{
		{
			name:   "defaults",
			config: adapter.Config{Database: "cubes"},
			want:   "host=localhost port=5432 dbname=cubes sslmode=disable",
		},
		{
			name: "credentials",
			config: adapter.Config{
				Host: "warehouse.internal", Port: 5433, Database: "analytics",
				Username: "leapcube", Password: "secret",
			},
			want: "host=warehouse.internal port=5433 dbname=analytics sslmode=disable user=leapcube password=secret",
		},
		{
			name: "extra options in key order",
			config: adapter.Config{
				Database: "cubes",
				Options: map[string]string{
					"search_path":      "rollups",
					"application_name": "leapcube",
					"sslmode":          "verify-full",
				},
			},
			want: "host=localhost port=5432 dbname=cubes sslmode=verify-full application_name=leapcube search_path=rollups",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildPostgresDSN(tt.config))
		})
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := map[string]string{
		"amount":     "amount",
		"created at": "created_at",
		"line-item":  "line_item",
		"order":      `"order"`,
		"USER":       `"USER"`,
		"orders":     "orders",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, sanitizeIdentifier(in))
		})
	}
}

func TestAdapter_NotConnected(t *testing.T) {
	ctx := context.Background()
	a := New(nil)
	assert.False(t, a.IsConnected())
	assert.Equal(t, "postgres", a.DialectName())
	assert.NoError(t, a.Close())

	require.ErrorIs(t, a.Exec(ctx, "SELECT 1"), adapter.ErrNotConnected)
	_, err := a.Query(ctx, "SELECT 1")
	require.ErrorIs(t, err, adapter.ErrNotConnected)
	require.ErrorIs(t, a.LoadCSV(ctx, "orders", "/tmp/orders.csv"), adapter.ErrNotConnected)
}

func TestAdapter_QueryCompiledSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	a := New(nil)
	a.DB = db

	sql := `SELECT "orders".status "orders__status", count(*) "orders__count" FROM public.orders AS "orders" WHERE "orders".status = $1 GROUP BY 1`
	mock.ExpectQuery(`SELECT "orders".status`).
		WithArgs("completed").
		WillReturnRows(sqlmock.NewRows([]string{"orders__status", "orders__count"}).
			AddRow([]byte("completed"), int64(3)))

	res, err := a.Query(context.Background(), sql, "completed")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders__status", "orders__count"}, res.Columns)
	assert.Equal(t, []map[string]any{{"orders__status": "completed", "orders__count": int64(3)}}, res.Maps())

	mock.ExpectExec(`CREATE TABLE rollups.orders_orders_by_day`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, a.Exec(context.Background(), "CREATE TABLE rollups.orders_orders_by_day AS SELECT 1"))

	mock.ExpectClose()
	require.NoError(t, a.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_Registry(t *testing.T) {
	f, ok := adapter.Get("postgres")
	require.True(t, ok)
	_, isPG := f(nil).(*Adapter)
	assert.True(t, isPG)
}
