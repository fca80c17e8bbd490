package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PermissionSchemaVersion is the current version of the serialized
// permission payload stored on CreationRequest.PermissionData.
const PermissionSchemaVersion = 1

// OverwriteType distinguishes role and member overwrites.
type OverwriteType string

const (
	OverwriteRole   OverwriteType = "role"
	OverwriteMember OverwriteType = "member"
)

// Permission flags accepted in payloads. Values follow the platform's bit layout.
const (
	PermManageChannels     Permissions = 1 << 4
	PermPrioritySpeaker    Permissions = 1 << 8
	PermStream             Permissions = 1 << 9
	PermViewChannel        Permissions = 1 << 10
	PermSendMessages       Permissions = 1 << 11
	PermReadMessageHistory Permissions = 1 << 16
	PermConnect            Permissions = 1 << 20
	PermSpeak              Permissions = 1 << 21
	PermMuteMembers        Permissions = 1 << 22
	PermDeafenMembers      Permissions = 1 << 23
	PermMoveMembers        Permissions = 1 << 24
	PermUseVAD             Permissions = 1 << 25
	PermManageRoles        Permissions = 1 << 28
	PermUseActivities      Permissions = 1 << 39
	PermUseSoundboard      Permissions = 1 << 42
	PermSendVoiceMessages  Permissions = 1 << 46
)

var permissionNames = map[string]Permissions{
	"MANAGE_CHANNELS":         PermManageChannels,
	"PRIORITY_SPEAKER":        PermPrioritySpeaker,
	"STREAM":                  PermStream,
	"VIEW_CHANNEL":            PermViewChannel,
	"SEND_MESSAGES":           PermSendMessages,
	"READ_MESSAGE_HISTORY":    PermReadMessageHistory,
	"CONNECT":                 PermConnect,
	"SPEAK":                   PermSpeak,
	"MUTE_MEMBERS":            PermMuteMembers,
	"DEAFEN_MEMBERS":          PermDeafenMembers,
	"MOVE_MEMBERS":            PermMoveMembers,
	"USE_VAD":                 PermUseVAD,
	"MANAGE_ROLES":            PermManageRoles,
	"USE_EMBEDDED_ACTIVITIES": PermUseActivities,
	"USE_SOUNDBOARD":          PermUseSoundboard,
	"SEND_VOICE_MESSAGES":     PermSendVoiceMessages,
}

// knownPermissions is the union of every accepted flag.
var knownPermissions = func() Permissions {
	var all Permissions
	for _, p := range permissionNames {
		all |= p
	}
	return all
}()

// Permissions is a 64-bit permission bitset. It is encoded in JSON as a decimal
// string because values above 2^53 do not survive float-based decoders.
type Permissions uint64

// ErrUnknownPermission is returned when a bitset or name is outside the closed set.
var ErrUnknownPermission = errors.New("unknown permission flag")

// ParsePermissionNames builds a bitset from flag names such as "CONNECT".
func ParsePermissionNames(names ...string) (Permissions, error) {
	var p Permissions
	for _, n := range names {
		bit, ok := permissionNames[strings.ToUpper(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, n)
		}
		p |= bit
	}
	return p, nil
}

// Names returns the flag names set in p, sorted.
func (p Permissions) Names() []string {
	out := make([]string, 0, 4)
	for n, bit := range permissionNames {
		if p&bit != 0 {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Valid reports whether p only contains known flags.
func (p Permissions) Valid() bool { return p&^knownPermissions == 0 }

// MarshalJSON encodes p as a decimal string.
func (p Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(p), 10))
}

// UnmarshalJSON accepts a decimal string or a list of flag names. Bare JSON
// numbers are rejected so a lossy encoder is caught at enqueue time.
func (p *Permissions) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, perr := strconv.ParseUint(s, 10, 64)
		if perr != nil {
			return fmt.Errorf("permissions: %w", perr)
		}
		*p = Permissions(v)
		return nil
	}
	var names []string
	if err := json.Unmarshal(b, &names); err == nil {
		v, perr := ParsePermissionNames(names...)
		if perr != nil {
			return perr
		}
		*p = v
		return nil
	}
	return errors.New("permissions must be a decimal string or a list of flag names")
}

// Overwrite is a single allow/deny entry for a role or member.
type Overwrite struct {
	ID    string        `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow Permissions   `json:"allow"`
	Deny  Permissions   `json:"deny"`
}

// PermissionSet is the versioned payload captured at enqueue time.
type PermissionSet struct {
	Version    int         `json:"version"`
	Overwrites []Overwrite `json:"overwrites"`
}

// ErrInvalidPermissionSet wraps all payload validation failures.
var ErrInvalidPermissionSet = errors.New("invalid permission set")

// Validate checks version, overwrite types, ids, and flag membership.
func (ps PermissionSet) Validate() error {
	if ps.Version != PermissionSchemaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPermissionSet, ps.Version)
	}
	seen := make(map[string]struct{}, len(ps.Overwrites))
	for i, o := range ps.Overwrites {
		if strings.TrimSpace(o.ID) == "" {
			return fmt.Errorf("%w: overwrite %d has empty id", ErrInvalidPermissionSet, i)
		}
		if o.Type != OverwriteRole && o.Type != OverwriteMember {
			return fmt.Errorf("%w: overwrite %d has type %q", ErrInvalidPermissionSet, i, o.Type)
		}
		if !o.Allow.Valid() || !o.Deny.Valid() {
			return fmt.Errorf("%w: overwrite %d: %v", ErrInvalidPermissionSet, i, ErrUnknownPermission)
		}
		if o.Allow&o.Deny != 0 {
			return fmt.Errorf("%w: overwrite %d allows and denies the same flag", ErrInvalidPermissionSet, i)
		}
		if _, dup := seen[o.ID]; dup {
			return fmt.Errorf("%w: duplicate overwrite for %s", ErrInvalidPermissionSet, o.ID)
		}
		seen[o.ID] = struct{}{}
	}
	return nil
}

// EncodePermissionSet validates ps and returns its JSON form. A zero-version
// set is stamped with the current version.
func EncodePermissionSet(ps PermissionSet) (string, error) {
	if ps.Version == 0 {
		ps.Version = PermissionSchemaVersion
	}
	if ps.Overwrites == nil {
		ps.Overwrites = []Overwrite{}
	}
	if err := ps.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePermissionSet parses and validates a stored payload. An empty string
// decodes to an empty set.
func DecodePermissionSet(s string) (PermissionSet, error) {
	if strings.TrimSpace(s) == "" {
		return PermissionSet{Version: PermissionSchemaVersion}, nil
	}
	var ps PermissionSet
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ps); err != nil {
		return PermissionSet{}, fmt.Errorf("%w: %v", ErrInvalidPermissionSet, err)
	}
	if err := ps.Validate(); err != nil {
		return PermissionSet{}, err
	}
	return ps, nil
}
