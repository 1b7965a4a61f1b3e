package metrics

import (
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// RegisterDBStats exposes the connection pool statistics of db as go_sql_*
// metrics labelled with dbName. Registering the same database twice is not an
// error.
func RegisterDBStats(reg prometheus.Registerer, db *sql.DB, dbName string) error {
	err := reg.Register(collectors.NewDBStatsCollector(db, dbName))

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}
