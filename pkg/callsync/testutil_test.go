package callsync

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/meshtalk/callsync/pkg/gateway"
	"github.com/meshtalk/callsync/pkg/models"
)

type fakeQuery struct {
	mu       sync.Mutex
	canceled bool
}

func (q *fakeQuery) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.canceled = true
}

func (q *fakeQuery) Canceled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canceled
}

type sentRequest struct {
	Method string
	Params any
	Query  *fakeQuery

	done      func(data []byte, err error)
	responded bool
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []*sentRequest
}

func (g *fakeGateway) Send(method string, params any, done func(data []byte, err error)) gateway.QueryRef {
	g.mu.Lock()
	defer g.mu.Unlock()
	req := &sentRequest{Method: method, Params: params, Query: &fakeQuery{}, done: done}
	g.sent = append(g.sent, req)
	return req.Query
}

// take returns the oldest unanswered request of the given method, or nil.
func (g *fakeGateway) take(method string) *sentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range g.sent {
		if req.Method == method && !req.responded {
			req.responded = true
			return req
		}
	}
	return nil
}

// takeSoon polls for a request that the manager issues from a timer
// goroutine, which the mock clock fires asynchronously.
func (g *fakeGateway) takeSoon(method string) *sentRequest {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if req := g.take(method); req != nil {
			return req
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (g *fakeGateway) respond(t *testing.T, req *sentRequest, value any, err error) {
	t.Helper()
	require.NotNil(t, req)
	if req.Query.Canceled() {
		return
	}
	if err != nil {
		req.done(nil, err)
		return
	}
	raw, marshalErr := jsoniter.Marshal(value)
	require.NoError(t, marshalErr)
	req.done(raw, nil)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (n *recordingNotifier) Notify(event models.SyncEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) byAction(action string) []models.SyncEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.SyncEvent
	for _, event := range n.events {
		if event.Action == action {
			out = append(out, event)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

const testSelfPeer int64 = 777

// fakeDirectory resolves peer names from a plain map.
type fakeDirectory map[int64]string

func (d fakeDirectory) ResolvePeer(id int64) (gateway.Peer, bool) {
	name, ok := d[id]
	return gateway.Peer{ID: id, Name: name}, ok
}

type fixture struct {
	t         *testing.T
	manager   *Manager
	gateway   *fakeGateway
	notifier  *recordingNotifier
	clock     *clock.Mock
	directory fakeDirectory
}

func testSettings() Settings {
	return Settings{
		ResyncDebounce:       time.Second,
		LivenessPeriod:       10 * time.Second,
		LivenessRetry:        time.Second,
		OrderRefreshPeriod:   10 * time.Second,
		BlockPollPeriod:      10 * time.Second,
		RecentSpeakerTimeout: time.Hour,
		RecentSpeakerCap:     3,
		MessageShowTime:      time.Minute,
		StoryMessageShowTime: 30 * time.Second,
		MessageTierCap:       100,
		MaxTitleLength:       64,
		ParticipantPageSize:  100,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := &fakeGateway{}
	sink := &recordingNotifier{}
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	settings := testSettings()
	directory := fakeDirectory{testSelfPeer: "me"}
	manager, err := NewManager(Config{
		Gateway:    gw,
		Notifier:   sink,
		Peers:      directory,
		Clock:      mock,
		Settings:   &settings,
		SelfPeerID: testSelfPeer,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return &fixture{t: t, manager: manager, gateway: gw, notifier: sink, clock: mock, directory: directory}
}

func testInput() models.InputCallID {
	return models.InputCallID{ID: 4242, AccessHash: 99}
}

func activeSnapshot(version int32) models.CallSnapshot {
	return models.CallSnapshot{
		Input:              testInput(),
		IsActive:           true,
		Title:              "standup",
		TitleVersion:       1,
		AreMessagesEnabled: true,
		ParticipantCount:   1,
		Version:            version,
	}
}

func participant(peerID int64, joinedDate int64) models.CallParticipant {
	return models.CallParticipant{
		PeerID:     peerID,
		JoinedDate: joinedDate,
		ActiveDate: joinedDate,
		IsMuted:    false,
	}
}

// join drives the full join handshake against the fake gateway and returns
// the call handle.
func (fx *fixture) join(t *testing.T) models.CallID {
	t.Helper()
	var joinErr error
	doneCalled := false
	fx.manager.JoinCall(testInput(), JoinOptions{AudioSource: 1234}, func(err error) {
		doneCalled = true
		joinErr = err
	})

	req := fx.gateway.take(gateway.MethodJoinCall)
	require.NotNil(t, req, "join request must be sent")
	fx.gateway.respond(t, req, gateway.JoinResponse{
		Call:    activeSnapshot(10),
		Version: 10,
		Participants: []models.CallParticipant{
			participant(testSelfPeer, fx.clock.Now().Unix()),
		},
		TransportParams: "{}",
	}, nil)

	require.True(t, doneCalled)
	require.NoError(t, joinErr)

	id := fx.manager.GetCallID(testInput())
	require.True(t, id.IsValid())
	call, ok := fx.manager.GetCall(id)
	require.True(t, ok)
	require.True(t, call.IsJoined)
	fx.notifier.reset()
	return id
}
