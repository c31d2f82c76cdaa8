package models

// Well-known setting keys
const (
	SettingActiveAccount       = "active_account"
	SettingCertificateApproved = "certificate_approved"
)

// Setting is a single key/value row of application state
type Setting struct {
	Key   string `json:"key" gorm:"type:varchar(64);primaryKey"`
	Value string `json:"value" gorm:"type:text"`
}

// TableName overrides the table name
func (Setting) TableName() string {
	return "settings"
}
