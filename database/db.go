package database

import (
	"go.mau.fi/util/dbutil"

	"go.mau.fi/fedsync/database/upgrades"
)

type Database struct {
	*dbutil.Database

	SigningKey  *SigningKeyQuery
	Event       *EventQuery
	Transaction *TransactionQuery
	DeviceList  *DeviceListQuery
}

func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{
		Database: db,

		SigningKey: &SigningKeyQuery{Database: db},
		Event: &EventQuery{
			QueryHelper: dbutil.MakeQueryHelper(db, func(_ *dbutil.QueryHelper[*Event]) *Event {
				return &Event{}
			}),
		},
		Transaction: &TransactionQuery{Database: db},
		DeviceList:  &DeviceListQuery{Database: db},
	}
}
