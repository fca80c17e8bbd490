package domain

import "time"

// PermanentAccess is a standing owner→target grant that is re-applied to every
// channel the owner provisions in the guild.
type PermanentAccess struct {
	ID         uint          `json:"id"          gorm:"primaryKey"`
	GuildID    string        `json:"guild_id"    gorm:"type:varchar(32);not null;uniqueIndex:ux_access_grant,priority:1"`
	OwnerID    string        `json:"owner_id"    gorm:"type:varchar(32);not null;uniqueIndex:ux_access_grant,priority:2"`
	TargetID   string        `json:"target_id"   gorm:"type:varchar(32);not null;uniqueIndex:ux_access_grant,priority:3"`
	TargetType OverwriteType `json:"target_type" gorm:"type:varchar(8);not null"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TableName returns the database table name for PermanentAccess.
func (PermanentAccess) TableName() string { return "permanent_access" }

// GuildSettings holds the per-guild interface channels users join to request
// a new voice channel, and the categories new channels are created under.
type GuildSettings struct {
	GuildID          string    `json:"guild_id"             gorm:"type:varchar(32);primaryKey"`
	PVCInterfaceID   string    `json:"pvc_interface_id"     gorm:"type:varchar(32)"`
	PVCCategoryID    string    `json:"pvc_category_id"      gorm:"type:varchar(32)"`
	DuoInterfaceID   string    `json:"duo_interface_id"     gorm:"type:varchar(32)"`
	TrioInterfaceID  string    `json:"trio_interface_id"    gorm:"type:varchar(32)"`
	SquadInterfaceID string    `json:"squad_interface_id"   gorm:"type:varchar(32)"`
	TeamCategoryID   string    `json:"team_category_id"     gorm:"type:varchar(32)"`
	InterfaceTextID  string    `json:"interface_text_id"    gorm:"type:varchar(32)"`
	LogChannelID     string    `json:"log_channel_id"       gorm:"type:varchar(32)"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for GuildSettings.
func (GuildSettings) TableName() string { return "guild_settings" }

// InterfaceFor returns the interface channel id for a request type, or "".
func (g GuildSettings) InterfaceFor(t RequestType) string {
	switch t {
	case RequestPVC:
		return g.PVCInterfaceID
	case RequestTeamDuo:
		return g.DuoInterfaceID
	case RequestTeamTrio:
		return g.TrioInterfaceID
	case RequestTeamSquad:
		return g.SquadInterfaceID
	}
	return ""
}

// CategoryFor returns the parent category new channels of type t go under.
func (g GuildSettings) CategoryFor(t RequestType) string {
	if t.IsTeam() {
		return g.TeamCategoryID
	}
	return g.PVCCategoryID
}

// RequestTypeForInterface maps an interface channel back to its request type.
func (g GuildSettings) RequestTypeForInterface(channelID string) (RequestType, bool) {
	if channelID == "" {
		return "", false
	}
	switch channelID {
	case g.PVCInterfaceID:
		return RequestPVC, true
	case g.DuoInterfaceID:
		return RequestTeamDuo, true
	case g.TrioInterfaceID:
		return RequestTeamTrio, true
	case g.SquadInterfaceID:
		return RequestTeamSquad, true
	}
	return "", false
}
