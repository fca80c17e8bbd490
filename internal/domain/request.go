// Package domain defines the persistence models for voice-channel provisioning:
// creation requests, active channels, permission rows, permanent access grants,
// and guild settings. These types are mapped with GORM and form the core data
// layer shared by the repository, queue, worker, and reconciliation packages.
package domain

import (
	"time"
)

// RequestStatus is the lifecycle state of a CreationRequest.
type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusProcessing RequestStatus = "PROCESSING"
	StatusRetrying   RequestStatus = "RETRYING"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusFailed     RequestStatus = "FAILED"
	StatusExpired    RequestStatus = "EXPIRED"
	StatusCancelled  RequestStatus = "CANCELLED"
)

// ActiveStatuses lists the non-terminal states. A (user, guild) pair may own
// at most one request in any of these.
var ActiveStatuses = []RequestStatus{StatusPending, StatusProcessing, StatusRetrying}

// TerminalStatuses lists the states no transition ever leaves.
var TerminalStatuses = []RequestStatus{StatusCompleted, StatusFailed, StatusExpired, StatusCancelled}

// IsActive reports whether s is a non-terminal state.
func (s RequestStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetrying:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal state.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// RequestType selects the interface channel and channel flavour a request targets.
type RequestType string

const (
	RequestPVC       RequestType = "PVC"
	RequestTeamDuo   RequestType = "TEAM_DUO"
	RequestTeamTrio  RequestType = "TEAM_TRIO"
	RequestTeamSquad RequestType = "TEAM_SQUAD"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestPVC, RequestTeamDuo, RequestTeamTrio, RequestTeamSquad:
		return true
	}
	return false
}

// IsTeam reports whether t provisions a team channel.
func (t RequestType) IsTeam() bool { return t.Valid() && t != RequestPVC }

// TeamType maps a team request to its channel tag. It returns "" for PVC.
func (t RequestType) TeamType() TeamType {
	switch t {
	case RequestTeamDuo:
		return TeamDuo
	case RequestTeamTrio:
		return TeamTrio
	case RequestTeamSquad:
		return TeamSquad
	}
	return ""
}

// CreationRequest is a durable unit of channel-creation work.
//
// Fields:
//   - ID: UUID primary key.
//   - ActiveKey: "<guild>:<user>" while the request is non-terminal and NULL
//     afterwards; its unique index enforces one active request per pair.
//   - PermissionData: versioned JSON permission payload (see PermissionSet),
//     validated at enqueue time.
//   - ExpiresAt: sliding TTL, pushed forward on every retry.
//   - ChannelID: set once the external channel exists.
type CreationRequest struct {
	ID          string        `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string        `json:"user_id"      gorm:"type:varchar(32);not null;index:idx_req_user_guild,priority:1"`
	GuildID     string        `json:"guild_id"     gorm:"type:varchar(32);not null;index:idx_req_user_guild,priority:2"`
	ActiveKey   *string       `json:"-"            gorm:"type:varchar(80);uniqueIndex:ux_req_active"`
	RequestType RequestType   `json:"request_type" gorm:"type:varchar(16);not null"`
	Status      RequestStatus `json:"status"       gorm:"type:varchar(16);not null;index:idx_req_ready,priority:1"`
	Priority    int           `json:"priority"     gorm:"not null;default:5;index:idx_req_ready,priority:2"`

	RetryCount  int        `json:"retry_count"   gorm:"not null;default:0"`
	MaxRetries  int        `json:"max_retries"   gorm:"not null"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"    gorm:"index:idx_req_ready,priority:3"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"    gorm:"not null;index"`

	LastError *string `json:"last_error,omitempty" gorm:"type:text"`
	ChannelID *string `json:"channel_id,omitempty" gorm:"type:varchar(32)"`

	ChannelName    string `json:"channel_name"    gorm:"type:varchar(100);not null"`
	ParentID       string `json:"parent_id"       gorm:"type:varchar(32)"`
	PermissionData string `json:"-"               gorm:"type:text"`
}

// TableName returns the database table name for CreationRequest.
func (CreationRequest) TableName() string { return "vc_creation_requests" }

// ActiveKeyFor builds the dedup key stored while a request is non-terminal.
func ActiveKeyFor(guildID, userID string) string { return guildID + ":" + userID }

// HasChannel reports whether the external channel was already created.
func (r *CreationRequest) HasChannel() bool { return r.ChannelID != nil && *r.ChannelID != "" }
