package db_test

import (
	"github.com/raphaelgruber/lakeflow/internal/db"
	"github.com/raphaelgruber/lakeflow/internal/service"
)

var _ service.Store = (*db.Client)(nil)
