package domain

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User Model
type User struct {
	ID            uint      `gorm:"primaryKey" json:"id"`                                   // Primary key
	Email         string    `gorm:"size:254;uniqueIndex;not null" json:"email"`             // Login key, stored lower-case
	Password      string    `gorm:"not null" json:"-"`                                      // Bcrypt hash
	FirstName     string    `gorm:"size:150" json:"first_name"`                             // Given name
	LastName      string    `gorm:"size:150" json:"last_name"`                              // Family name
	Phone         string    `gorm:"size:25" json:"phone"`                                   // Contact phone
	EmailVerified bool      `gorm:"not null;default:false" json:"email_verified"`           // Set once the verification link is used
	IsActive      bool      `gorm:"not null;default:true" json:"is_active"`                 // Disabled users cannot authenticate
	Role          string    `gorm:"size:16;default:user" json:"role"`                       // Role: user or admin
	Accounts      []Account `gorm:"many2many:user_accounts;" json:"accounts,omitempty"`     // Accounts the user may log in to
	CreatedAt     time.Time `json:"created_at"`                                             // Creation timestamp
	UpdatedAt     time.Time `json:"updated_at"`                                             // Last update timestamp
}

// FullName joins first and last name
func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
