package models

import (
	"log"

	"github.com/masaref/treasury_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&SubUnit{}, &IntermediaryAccount{},
		&Treasury{}, &TreasuryMovement{},
		&Voucher{}, &Transfer{},
		&Reconciliation{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
