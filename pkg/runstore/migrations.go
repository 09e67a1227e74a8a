package runstore

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			uuid TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INT NOT NULL,
			finished_at INT,
			labels_sha256 TEXT NOT NULL,
			params TEXT,
			results TEXT,
			error TEXT
		);

		CREATE UNIQUE INDEX idx_run_uuid ON run(uuid);
		CREATE INDEX idx_run_started_at ON run(started_at);

		CREATE TABLE epoch(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			epoch INT NOT NULL,
			learning_rate REAL NOT NULL,
			train_loss REAL NOT NULL,
			train_accuracy REAL NOT NULL,
			val_loss REAL NOT NULL,
			val_accuracy REAL NOT NULL,
			improved BOOLEAN NOT NULL,
			duration_ms INT NOT NULL
		);

		CREATE UNIQUE INDEX idx_epoch_run_id_epoch ON epoch(run_id, epoch);
	`))

	return migs
}
