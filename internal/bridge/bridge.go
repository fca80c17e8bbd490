// Package bridge is the boundary between the queue core and the chat
// platform. Bridge performs the rate-governed side effects (create, delete,
// edit permissions); State answers read-only questions about live platform
// state (voice connections, channel occupancy).
//
// Implementations must return errors that Classify can sort into the taxonomy
// in errors.go; the worker and the reconciler branch on that classification
// rather than on message text.
package bridge

import (
	"context"

	"github.com/tbourn/go-voice-queue/internal/domain"
)

// CreateParams describes a voice channel to create.
type CreateParams struct {
	GuildID     string
	OwnerID     string
	ChannelName string
	ParentID    string
	Overwrites  []domain.Overwrite
	IsTeam      bool
	TeamType    domain.TeamType
	UserLimit   int
}

// EditParams describes a single permission overwrite edit.
type EditParams struct {
	GuildID    string
	ChannelID  string
	TargetID   string
	TargetType domain.OverwriteType
	Allow      domain.Permissions
	Deny       domain.Permissions
}

// Bridge performs external effects against the platform.
type Bridge interface {
	// CreateVC creates a voice channel and returns its id.
	CreateVC(ctx context.Context, p CreateParams) (string, error)
	// DeleteVC deletes a voice channel. Deleting a missing channel returns
	// an error classified as KindNotFound.
	DeleteVC(ctx context.Context, guildID, channelID string, isTeam bool) error
	// EditPermission sets one overwrite on a channel.
	EditPermission(ctx context.Context, p EditParams) error
}

// ChannelInfo is the live view of a channel used by reconciliation.
type ChannelInfo struct {
	ID      string
	GuildID string
	// Voice is true for voice-capable channel types.
	Voice bool
	// Occupants counts connected members that are not bots.
	Occupants int
}

// State reads live platform state.
type State interface {
	// MemberVoiceChannel returns the voice channel the member is connected
	// to, or "" when not connected. ErrGuildUnavailable is returned when the
	// guild is not known to the platform cache and ErrGuildLoading while it
	// is still being populated.
	MemberVoiceChannel(ctx context.Context, guildID, userID string) (string, error)
	// ResolveChannel looks a channel up in the cache and falls back to a
	// network fetch.
	ResolveChannel(ctx context.Context, channelID string) (ChannelInfo, error)
	// MoveMember moves a connected member into channelID.
	MoveMember(ctx context.Context, guildID, userID, channelID string) error
	// SendMessage posts a plain text message to channelID.
	SendMessage(ctx context.Context, channelID, content string) error
}
