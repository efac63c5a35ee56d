package domain

import "time"

const AnonymousAccount = "anon"

// Group gathers users sharing an accounting name. HasFullAccess grants admin
// privileges to every member.
type Group struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name          string `gorm:"size:100;uniqueIndex;not null" json:"name" yaml:"name"`
	HasFullAccess bool   `gorm:"default:false" json:"has_full_access" yaml:"has_full_access"`
}

// User is an authenticated identity, keyed by the (source, username) pair
// forwarded by the upstream authentication proxy.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Source   string `gorm:"size:50;uniqueIndex:user_identity;not null" json:"source"`
	Username string `gorm:"size:150;uniqueIndex:user_identity;not null" json:"username"`
	Email    string `gorm:"size:254" json:"email,omitempty"`
	GroupID  *uint  `json:"-"`
	Group    *Group `gorm:"constraint:OnDelete:SET NULL" json:"group,omitempty"`
	Active   bool   `gorm:"default:true" json:"active"`
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Group != nil && u.Group.HasFullAccess
}

// AccountName is the accounting label passed to the DRM.
func (u *User) AccountName() string {
	if u == nil || u.Group == nil || u.Group.Name == "" {
		return AnonymousAccount
	}
	return u.Group.Name
}

func (u *User) GroupName() string {
	if u == nil || u.Group == nil {
		return ""
	}
	return u.Group.Name
}
