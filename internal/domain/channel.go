package domain

import "time"

// TeamType tags a team channel with its intended party size.
type TeamType string

const (
	TeamDuo   TeamType = "DUO"
	TeamTrio  TeamType = "TRIO"
	TeamSquad TeamType = "SQUAD"
)

// UserLimit returns the voice user limit for a team size (0 = unlimited).
func (t TeamType) UserLimit() int {
	switch t {
	case TeamDuo:
		return 2
	case TeamTrio:
		return 3
	case TeamSquad:
		return 4
	}
	return 0
}

// ActiveChannel is a private voice channel that currently exists on the
// platform. The row is the source of truth; the in-process registry mirrors it.
type ActiveChannel struct {
	ChannelID string    `json:"channel_id" gorm:"type:varchar(32);primaryKey"`
	GuildID   string    `json:"guild_id"   gorm:"type:varchar(32);not null;index:idx_pvc_guild_owner,priority:1"`
	OwnerID   string    `json:"owner_id"   gorm:"type:varchar(32);not null;index:idx_pvc_guild_owner,priority:2"`
	IsLocked  bool      `json:"is_locked"  gorm:"not null;default:false"`
	IsHidden  bool      `json:"is_hidden"  gorm:"not null;default:false"`
	UserLimit int       `json:"user_limit" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for ActiveChannel.
func (ActiveChannel) TableName() string { return "active_channels" }

// TeamChannel is the team flavour of ActiveChannel.
type TeamChannel struct {
	ChannelID string    `json:"channel_id" gorm:"type:varchar(32);primaryKey"`
	GuildID   string    `json:"guild_id"   gorm:"type:varchar(32);not null;index:idx_team_guild_owner,priority:1"`
	OwnerID   string    `json:"owner_id"   gorm:"type:varchar(32);not null;index:idx_team_guild_owner,priority:2"`
	TeamType  TeamType  `json:"team_type"  gorm:"type:varchar(8);not null"`
	IsLocked  bool      `json:"is_locked"  gorm:"not null;default:false"`
	IsHidden  bool      `json:"is_hidden"  gorm:"not null;default:false"`
	UserLimit int       `json:"user_limit" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for TeamChannel.
func (TeamChannel) TableName() string { return "team_channels" }

// ChannelPermission.Permission values.
const (
	ChannelPermit = "permit"
	ChannelBan    = "ban"
)

// ChannelPermission records a per-target overwrite granted on a provisioned
// channel. Rows are deleted together with their channel.
type ChannelPermission struct {
	ID         uint          `json:"id"          gorm:"primaryKey"`
	ChannelID  string        `json:"channel_id"  gorm:"type:varchar(32);not null;uniqueIndex:ux_chperm_target,priority:1"`
	TargetID   string        `json:"target_id"   gorm:"type:varchar(32);not null;uniqueIndex:ux_chperm_target,priority:2"`
	TargetType OverwriteType `json:"target_type" gorm:"type:varchar(8);not null"`
	Permission string        `json:"permission"  gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TableName returns the database table name for ChannelPermission.
func (ChannelPermission) TableName() string { return "channel_permissions" }

// ChannelRecord is a table-agnostic view over ActiveChannel and TeamChannel.
type ChannelRecord struct {
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id"`
	OwnerID   string    `json:"owner_id"`
	IsTeam    bool      `json:"is_team"`
	TeamType  TeamType  `json:"team_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Record converts an ActiveChannel to a ChannelRecord.
func (c ActiveChannel) Record() ChannelRecord {
	return ChannelRecord{ChannelID: c.ChannelID, GuildID: c.GuildID, OwnerID: c.OwnerID, CreatedAt: c.CreatedAt}
}

// Record converts a TeamChannel to a ChannelRecord.
func (c TeamChannel) Record() ChannelRecord {
	return ChannelRecord{
		ChannelID: c.ChannelID,
		GuildID:   c.GuildID,
		OwnerID:   c.OwnerID,
		IsTeam:    true,
		TeamType:  c.TeamType,
		CreatedAt: c.CreatedAt,
	}
}
