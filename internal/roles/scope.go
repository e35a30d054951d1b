package roles

import "gorm.io/gorm"

// ForRole returns a GORM scope that filters by role-collection.
func ForRole(role string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("role = ?", role)
	}
}
