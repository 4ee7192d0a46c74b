package models

// DefaultVolumeLevel is the server-side default participant volume (100%).
const DefaultVolumeLevel int32 = 10000

// CallParticipant is one sender (user or channel identity) present in a
// call's roster. Mute, volume and hand-raise each carry an optimistic pending
// sub-state with a generation counter used to match late server responses to
// the request that caused them.
type CallParticipant struct {
	PeerID int64 `json:"peer_id"`
	IsSelf bool  `json:"is_self"`

	// DisplayName comes from the directory resolver, not the call stream.
	DisplayName string `json:"display_name,omitempty"`

	// IsMin marks a sparse server update that must be resolved against an
	// existing full record before it can be applied.
	IsMin bool `json:"is_min,omitempty"`

	AudioSource     int32 `json:"audio_source"`
	JoinedDate      int64 `json:"joined_date"`
	ActiveDate      int64 `json:"active_date"`
	LocalActiveDate int64 `json:"-"`
	RaiseHandRating int64 `json:"raise_hand_rating"`

	IsMuted        bool `json:"is_muted"`
	MutedByAdmin   bool `json:"muted_by_admin"`
	CanSelfUnmute  bool `json:"can_self_unmute"`
	HasVideo       bool `json:"has_video"`
	IsHandRaised   bool `json:"is_hand_raised"`
	VolumeLevel    int32 `json:"volume_level"`
	VolumeByAdmin  bool `json:"volume_by_admin"`
	IsJustJoined   bool `json:"just_joined,omitempty"`

	// Derived from the separately loaded administrator / top-donor tables.
	IsAdmin      bool  `json:"is_admin"`
	CanBeMuted   bool  `json:"can_be_muted"`
	CanBeUnmuted bool  `json:"can_be_unmuted"`
	IsTopDonor   bool  `json:"is_top_donor"`
	StarsDonated int64 `json:"stars_donated"`

	IsSpeaking bool `json:"is_speaking"`

	PendingIsMuted           bool   `json:"-"`
	HavePendingIsMuted       bool   `json:"-"`
	PendingIsMutedGeneration uint64 `json:"-"`

	PendingVolumeLevel      int32  `json:"-"`
	PendingVolumeGeneration uint64 `json:"-"`

	PendingIsHandRaised           bool   `json:"-"`
	HavePendingIsHandRaised       bool   `json:"-"`
	PendingIsHandRaisedGeneration uint64 `json:"-"`

	Order ParticipantOrder `json:"order"`
}

// IsVersionedUpdate reports whether this participant delta belongs to the
// version-ordered sub-stream. Sparse mute-state changes may be applied out of
// order, join/leave transitions may not.
func (p CallParticipant) IsVersionedUpdate() bool {
	return p.IsJustJoined || p.JoinedDate == 0 || !p.IsMin
}

// IsLeft reports whether the delta announces that the participant left the
// call; the server encodes this as a zero join date.
func (p CallParticipant) IsLeft() bool {
	return p.JoinedDate == 0
}

// EffectiveIsMuted returns the mute state the user should currently see.
func (p CallParticipant) EffectiveIsMuted() bool {
	if p.HavePendingIsMuted {
		return p.PendingIsMuted
	}
	return p.IsMuted
}

// EffectiveVolumeLevel returns the volume the user should currently see.
func (p CallParticipant) EffectiveVolumeLevel() int32 {
	if p.PendingVolumeGeneration != 0 {
		return p.PendingVolumeLevel
	}
	if p.VolumeLevel == 0 {
		return DefaultVolumeLevel
	}
	return p.VolumeLevel
}

// EffectiveIsHandRaised returns the hand-raise state the user should
// currently see.
func (p CallParticipant) EffectiveIsHandRaised() bool {
	if p.HavePendingIsHandRaised {
		return p.PendingIsHandRaised
	}
	return p.IsHandRaised || p.RaiseHandRating > 0
}

// ResolveMin fills fields a sparse update does not carry from the previously
// known full record. The receiver stops being min afterwards.
func (p *CallParticipant) ResolveMin(old CallParticipant) {
	p.IsSelf = old.IsSelf
	if p.DisplayName == "" {
		p.DisplayName = old.DisplayName
	}
	p.AudioSource = old.AudioSource
	if p.JoinedDate == 0 {
		p.JoinedDate = old.JoinedDate
	}
	if p.ActiveDate < old.ActiveDate {
		p.ActiveDate = old.ActiveDate
	}
	p.LocalActiveDate = old.LocalActiveDate
	p.IsSpeaking = old.IsSpeaking
	if !p.VolumeByAdmin && old.VolumeByAdmin {
		p.VolumeLevel = old.VolumeLevel
		p.VolumeByAdmin = true
	}
	p.IsAdmin = old.IsAdmin
	p.CanBeMuted = old.CanBeMuted
	p.CanBeUnmuted = old.CanBeUnmuted
	p.IsTopDonor = old.IsTopDonor
	p.StarsDonated = old.StarsDonated

	p.PendingIsMuted = old.PendingIsMuted
	p.HavePendingIsMuted = old.HavePendingIsMuted
	p.PendingIsMutedGeneration = old.PendingIsMutedGeneration
	p.PendingVolumeLevel = old.PendingVolumeLevel
	p.PendingVolumeGeneration = old.PendingVolumeGeneration
	p.PendingIsHandRaised = old.PendingIsHandRaised
	p.HavePendingIsHandRaised = old.HavePendingIsHandRaised
	p.PendingIsHandRaisedGeneration = old.PendingIsHandRaisedGeneration

	p.Order = old.Order
	p.IsMin = false
}

// MergeLocalState carries purely local bookkeeping from the stored record
// into a full server update before it replaces the record.
func (p *CallParticipant) MergeLocalState(old CallParticipant) {
	if p.DisplayName == "" {
		p.DisplayName = old.DisplayName
	}
	if p.LocalActiveDate < old.LocalActiveDate {
		p.LocalActiveDate = old.LocalActiveDate
	}
	p.IsSpeaking = old.IsSpeaking
	p.IsAdmin = old.IsAdmin
	p.CanBeMuted = old.CanBeMuted
	p.CanBeUnmuted = old.CanBeUnmuted
	p.IsTopDonor = old.IsTopDonor
	p.StarsDonated = old.StarsDonated
	p.PendingIsMuted = old.PendingIsMuted
	p.HavePendingIsMuted = old.HavePendingIsMuted
	p.PendingIsMutedGeneration = old.PendingIsMutedGeneration
	p.PendingVolumeLevel = old.PendingVolumeLevel
	p.PendingVolumeGeneration = old.PendingVolumeGeneration
	p.PendingIsHandRaised = old.PendingIsHandRaised
	p.HavePendingIsHandRaised = old.HavePendingIsHandRaised
	p.PendingIsHandRaisedGeneration = old.PendingIsHandRaisedGeneration
	p.Order = old.Order
}

// ComputeOrder derives the ranking key. A participant the admins muted stops
// being ranked by activity once the viewer cannot self-unmute, since they
// cannot speak again without an admin action.
func (p CallParticipant) ComputeOrder(viewerCanSelfUnmute bool) ParticipantOrder {
	activeDate := p.ActiveDate
	if p.LocalActiveDate > activeDate {
		activeDate = p.LocalActiveDate
	}
	if !viewerCanSelfUnmute && p.MutedByAdmin {
		activeDate = 0
	}
	rating := p.RaiseHandRating
	if !p.CanSelfUnmute {
		rating = 0
	}
	return ParticipantOrder{
		HasVideo:        p.HasVideo,
		ActiveDate:      activeDate,
		RaiseHandRating: rating,
		JoinedDate:      p.JoinedDate,
	}
}

// UpdateCanBeMuted recomputes the mute permission flags from the viewer's
// management rights and the participant's own state. Returns true when a flag
// changed.
func (p *CallParticipant) UpdateCanBeMuted(canManage bool) bool {
	canBeMuted := false
	canBeUnmuted := false
	if !p.IsSelf {
		if canManage {
			canBeMuted = !p.EffectiveIsMuted()
			canBeUnmuted = p.EffectiveIsMuted() && !p.CanSelfUnmute
		} else {
			// Without management rights only a local volume mute is possible.
			canBeMuted = p.EffectiveVolumeLevel() != 0
			canBeUnmuted = p.EffectiveVolumeLevel() == 0
		}
	} else if canManage {
		canBeMuted = !p.EffectiveIsMuted()
	}
	if canBeMuted != p.CanBeMuted || canBeUnmuted != p.CanBeUnmuted {
		p.CanBeMuted = canBeMuted
		p.CanBeUnmuted = canBeUnmuted
		return true
	}
	return false
}
