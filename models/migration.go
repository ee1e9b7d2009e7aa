package models

import (
	"log"

	"bitbucket.org/mmdatafocus/mes_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{}, &Product{},
		&Batch{}, &BatchOrderAllocation{}, &BatchGenealogy{},
		&InventoryMovement{},
		&BomRequirement{}, &BatchSizeConfig{},
		&Process{}, &Routing{}, &RoutingStep{}, &Operation{},
		&AuditOutboxRecord{}, &IdempotencyKey{},
		&AuditLog{}, &UsageLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
