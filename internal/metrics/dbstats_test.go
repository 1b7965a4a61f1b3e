package metrics

import (
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDBStats(t *testing.T) {
	// sql.Open does not connect, so no database is needed
	db, err := sql.Open("postgres", "postgres://transfer@localhost:5432/transfers?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(7)

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterDBStats(reg, db, "transfers"))
	require.NoError(t, RegisterDBStats(reg, db, "transfers"))

	count, err := testutil.GatherAndCount(reg, "go_sql_max_open_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "go_sql_max_open_connections" {
			continue
		}
		metric := mf.GetMetric()[0]
		assert.Equal(t, float64(7), metric.GetGauge().GetValue())
		require.Len(t, metric.GetLabel(), 1)
		assert.Equal(t, "transfers", metric.GetLabel()[0].GetValue())
	}
}
