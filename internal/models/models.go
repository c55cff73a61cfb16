package models

// All returns every model managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Actor{},
		&Class{},
		&Child{},
		&Guardianship{},
		&PickupAuthorization{},
		&SelfCheckoutAuthorization{},
		&StudentDeparture{},
		&PickupRequest{},
		&PickupHistory{},
		&ActivityLog{},
	}
}
