// Package repositories wires the postgres repositories into the stores the merge engine consumes.
package repositories

import (
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/assignment"
	"github.com/Ramsey-B/clover/internal/repositories/association"
	"github.com/Ramsey-B/clover/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/clover/internal/repositories/reference"
	"github.com/Ramsey-B/clover/internal/repositories/resource"
	"github.com/Ramsey-B/clover/internal/repositories/schedule"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/merging"
)

func NewStores(db database.DB, logger ectologger.Logger) merging.Stores {
	return merging.Stores{
		Resources:   resource.NewRepository(db, logger),
		References:  reference.NewRepository(db, logger),
		Links:       association.NewRepository(db, logger),
		Assignments: assignment.NewRepository(db, logger),
		Snapshots:   schedule.NewRepository(db, logger),
		Audit:       mergeaudit.NewRepository(db, logger),
	}
}
