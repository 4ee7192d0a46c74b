package models

// ParticipantOrder is the roster ranking key of one call participant. Orders
// compare by video presence, then recent activity, then hand-raise rating,
// then join date. The zero value means "not ranked": the participant is known
// but must not be shown in the visible roster yet.
type ParticipantOrder struct {
	HasVideo        bool  `json:"has_video"`
	ActiveDate      int64 `json:"active_date"`
	RaiseHandRating int64 `json:"raise_hand_rating"`
	JoinedDate      int64 `json:"joined_date"`
}

func (o ParticipantOrder) IsValid() bool {
	return o != ParticipantOrder{}
}

// MaxParticipantOrder sorts before every real order and is used as the
// initial roster floor before any participant page was loaded.
func MaxParticipantOrder() ParticipantOrder {
	return ParticipantOrder{HasVideo: true, ActiveDate: 1<<62 - 1, RaiseHandRating: 1<<62 - 1, JoinedDate: 1<<62 - 1}
}

// Compare returns -1, 0 or 1 ordering o against other, greater first.
// joinedDateAsc flips the final join-date tie break for call kinds that list
// early joiners first.
func (o ParticipantOrder) Compare(other ParticipantOrder, joinedDateAsc bool) int {
	if o.HasVideo != other.HasVideo {
		if o.HasVideo {
			return 1
		}
		return -1
	}
	if o.ActiveDate != other.ActiveDate {
		return cmpInt64(o.ActiveDate, other.ActiveDate)
	}
	if o.RaiseHandRating != other.RaiseHandRating {
		return cmpInt64(o.RaiseHandRating, other.RaiseHandRating)
	}
	if o.JoinedDate != other.JoinedDate {
		if joinedDateAsc {
			return cmpInt64(other.JoinedDate, o.JoinedDate)
		}
		return cmpInt64(o.JoinedDate, other.JoinedDate)
	}
	return 0
}

func cmpInt64(a, b int64) int {
	if a > b {
		return 1
	}
	if a < b {
		return -1
	}
	return 0
}
