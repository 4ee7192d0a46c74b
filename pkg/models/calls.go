package models

// CallID is the local sequential handle assigned to a call on first sight.
// Stable for the process lifetime, never reused, never persisted.
type CallID int32

func (id CallID) IsValid() bool { return id > 0 }

// InputCallID identifies a call on the server: an opaque id plus the access
// secret required by every query about it.
type InputCallID struct {
	ID         int64 `json:"id"`
	AccessHash int64 `json:"access_hash"`
}

func (id InputCallID) IsValid() bool { return id.ID != 0 }

type CallKind = uint8

const (
	CallKindVideoChat = CallKind(iota)
	CallKindConference
	CallKindLiveStory
)

// Call is the client-side model of one live, scheduled or recently ended
// group call. Per-field version counters reject stale out-of-order snapshot
// merges; the participant-list version drives the ordered delta stream.
type Call struct {
	ID    CallID      `json:"id"`
	Input InputCallID `json:"-"`

	Kind         CallKind `json:"kind"`
	IsRTMPStream bool     `json:"is_rtmp_stream"`

	IsInited      bool `json:"-"`
	IsActive      bool `json:"is_active"`
	IsJoined      bool `json:"is_joined"`
	IsBeingJoined bool `json:"is_being_joined"`
	IsBeingLeft   bool `json:"-"`
	NeedRejoin    bool `json:"need_rejoin"`

	Title         string `json:"title"`
	InviteLink    string `json:"invite_link,omitempty"`
	IsCreator     bool   `json:"is_creator"`
	CanBeManaged  bool   `json:"can_be_managed"`
	CanSelfUnmute bool   `json:"can_self_unmute"`
	JoinedDateAsc bool   `json:"-"`

	ScheduledStartDate int64 `json:"scheduled_start_date,omitempty"`
	RecordStartDate    int64 `json:"record_start_date,omitempty"`
	IsVideoRecorded    bool  `json:"is_video_recorded,omitempty"`

	ParticipantCount      int32 `json:"participant_count"`
	UnmutedVideoCount     int32 `json:"unmuted_video_count"`
	UnmutedVideoLimit     int32 `json:"unmuted_video_limit"`
	LoadedAllParticipants bool  `json:"loaded_all_participants"`

	AudioSource int32 `json:"-"`
	JoinedDate  int64 `json:"-"`
	IsSpeaking  bool  `json:"-"`

	// Participant-list version; -1 while participants are not tracked.
	Version int32 `json:"-"`
	// Version at the moment the roster was last cleared; deltas at or below
	// it only adjust counts and never resurrect the old session's roster.
	LeaveVersion int32 `json:"-"`

	TitleVersion              int32 `json:"-"`
	MuteVersion               int32 `json:"-"`
	StartSubscribedVersion    int32 `json:"-"`
	RecordStartDateVersion    int32 `json:"-"`
	ScheduledStartDateVersion int32 `json:"-"`

	StartSubscribed      Optimistic[bool]  `json:"start_subscribed"`
	MuteNewParticipants  Optimistic[bool]  `json:"mute_new_participants"`
	IsMyVideoEnabled     Optimistic[bool]  `json:"is_my_video_enabled"`
	IsMyVideoPaused      Optimistic[bool]  `json:"is_my_video_paused"`
	AreMessagesEnabled   Optimistic[bool]  `json:"are_messages_enabled"`
	PaidMessageStarCount Optimistic[int64] `json:"paid_message_star_count"`

	HavePendingRecording bool   `json:"-"`
	PendingRecordTitle   string `json:"-"`
	PendingRecordVideo   bool   `json:"-"`
}

// IsConference reports whether the call carries the verifiable end-to-end
// state chain.
func (c *Call) IsConference() bool { return c.Kind == CallKindConference }

// CallSnapshot is the server-pushed immutable picture of a call, delivered
// independently of the participant version stream. A partial snapshot must
// not discard state only the full one carries.
type CallSnapshot struct {
	Input        InputCallID `json:"input"`
	IsPartial    bool        `json:"is_partial,omitempty"`
	IsActive     bool        `json:"is_active"`
	Kind         CallKind    `json:"kind"`
	IsRTMPStream bool        `json:"is_rtmp_stream,omitempty"`

	Title                  string `json:"title"`
	TitleVersion           int32  `json:"title_version"`
	InviteLink             string `json:"invite_link,omitempty"`
	IsCreator              bool   `json:"is_creator,omitempty"`
	CanBeManaged           bool   `json:"can_be_managed,omitempty"`
	CanSelfUnmute          bool   `json:"can_self_unmute,omitempty"`
	JoinedDateAsc          bool   `json:"joined_date_asc,omitempty"`
	MuteNewParticipants    bool   `json:"mute_new_participants,omitempty"`
	MuteVersion            int32  `json:"mute_version"`
	StartSubscribed        bool   `json:"start_subscribed,omitempty"`
	StartSubscribedVersion int32  `json:"start_subscribed_version"`
	AreMessagesEnabled     bool   `json:"are_messages_enabled,omitempty"`
	PaidMessageStarCount   int64  `json:"paid_message_star_count,omitempty"`

	RecordStartDate        int64 `json:"record_start_date,omitempty"`
	IsVideoRecorded        bool  `json:"is_video_recorded,omitempty"`
	RecordStartDateVersion int32 `json:"record_start_date_version"`

	ScheduledStartDate        int64 `json:"scheduled_start_date,omitempty"`
	ScheduledStartDateVersion int32 `json:"scheduled_start_date_version"`

	ParticipantCount  int32 `json:"participant_count"`
	UnmutedVideoCount int32 `json:"unmuted_video_count"`
	UnmutedVideoLimit int32 `json:"unmuted_video_limit"`

	Version int32 `json:"version"`
}
