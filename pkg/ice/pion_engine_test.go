package ice_test

import (
	"sync"
	"testing"
	"time"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/ice"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Адрес из TEST-NET-1, на проверки никто не ответит
const unreachableCandidate = "1 1 UDP 2130706431 192.0.2.1 9 typ host"

func newTestPionEngine() *ice.PionEngine {
	config := ice.DefaultPionEngineConfig()
	config.GatherTimeout = 500 * time.Millisecond
	config.CheckTimeout = 200 * time.Millisecond
	config.IncludeLoopback = true
	config.Logger = zerolog.Nop()
	return ice.NewPionEngine(config)
}

// stateRecorder собирает переходы состояния сессии
type stateRecorder struct {
	mutex  sync.Mutex
	states []ice.State
}

func (r *stateRecorder) record(state ice.State) {
	r.mutex.Lock()
	r.states = append(r.states, state)
	r.mutex.Unlock()
}

func (r *stateRecorder) snapshot() []ice.State {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]ice.State(nil), r.states...)
}

func (r *stateRecorder) last() ice.State {
	states := r.snapshot()
	if len(states) == 0 {
		return ice.StateIdle
	}
	return states[len(states)-1]
}

func TestPionEngineCheckTimeout(t *testing.T) {
	engine := newTestPionEngine()

	session, err := engine.CreateSession("127.0.0.1", true)
	require.NoError(t, err)
	defer session.Free()

	ufrag, password := session.LocalCredentials()
	assert.Len(t, ufrag, 8)
	assert.NotEmpty(t, password)

	recorder := &stateRecorder{}
	session.OnStateChange(recorder.record)

	stream, err := session.CreateMediaStream("pcma/8000")
	require.NoError(t, err)
	component, err := stream.CreateComponent("udp", 47110, 47100, 47199)
	require.NoError(t, err)
	assert.Equal(t, ice.ComponentRTP, component.ID())

	require.NoError(t, stream.SetRemoteCredentials("remoteufrag", "remotepassword0123456789"))
	candidate, err := ice.ParseCandidate(unreachableCandidate)
	require.NoError(t, err)
	require.NoError(t, component.AddRemoteCandidate(candidate))

	started := time.Now()
	require.NoError(t, session.StartConnectivity())
	assert.ErrorIs(t, session.StartConnectivity(), ice.ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		return recorder.last() == ice.StateFailed
	}, 3*time.Second, 20*time.Millisecond, "сессия без ответа должна завершиться FAILED")
	assert.Less(t, time.Since(started), 3*time.Second)

	assert.Equal(t, []ice.State{ice.StateChecking, ice.StateFailed}, recorder.snapshot(),
		"терминальное состояние сообщается один раз")

	_, _, ok := component.SelectedPair()
	assert.False(t, ok, "пара не выбрана")
}

func TestPionEngineErrors(t *testing.T) {
	engine := newTestPionEngine()

	t.Run("нет компонентов", func(t *testing.T) {
		session, err := engine.CreateSession("127.0.0.1", false)
		require.NoError(t, err)
		defer session.Free()

		assert.ErrorIs(t, session.StartConnectivity(), ice.ErrNoComponents)
	})

	t.Run("без удаленных учетных данных", func(t *testing.T) {
		session, err := engine.CreateSession("127.0.0.1", false)
		require.NoError(t, err)
		defer session.Free()

		recorder := &stateRecorder{}
		session.OnStateChange(recorder.record)

		stream, err := session.CreateMediaStream("pcma/8000")
		require.NoError(t, err)
		_, err = stream.CreateComponent("udp", 47120, 47100, 47199)
		require.NoError(t, err)

		require.NoError(t, session.StartConnectivity())
		assert.Eventually(t, func() bool {
			return recorder.last() == ice.StateFailed
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("неверные параметры", func(t *testing.T) {
		session, err := engine.CreateSession("127.0.0.1", true)
		require.NoError(t, err)
		defer session.Free()

		assert.Error(t, session.AddHarvester(ice.Harvester{Kind: ice.HarvesterSTUN, URI: "http://example.com"}))
		assert.NoError(t, session.AddHarvester(ice.Harvester{
			Kind:     ice.HarvesterTURN,
			URI:      "turn:turn.example.com:3478",
			Username: "user",
			Password: "secret",
		}))

		stream, err := session.CreateMediaStream("pcma/8000")
		require.NoError(t, err)
		_, err = session.CreateMediaStream("pcma/8000")
		assert.Error(t, err, "имя потока уникально")

		_, err = stream.CreateComponent("tcp", 47130, 47100, 47199)
		assert.Error(t, err)
		_, err = stream.CreateComponent("udp", 48000, 47100, 47199)
		assert.Error(t, err)
	})
}

// Координатор поверх pion: слушатель AwaitOutcome получает FAILED без пар
func TestCoordinatorWithPionEngineTimeout(t *testing.T) {
	pool, err := media.NewPortPool(47140, 47199, media.PortAllocationSequential)
	require.NoError(t, err)

	config := ice.DefaultConfig()
	config.STUNServers = nil
	config.MinPort, config.MaxPort = 47140, 47199
	config.Logger = zerolog.Nop()
	coordinator := ice.NewCoordinator(newTestPionEngine(), config)

	require.NoError(t, coordinator.Prepare(sessionID, "127.0.0.1", true))
	defer coordinator.Discard(sessionID)

	pcma, ok := codec.DefaultRegistry().Lookup("PCMA/8000")
	require.True(t, ok)
	_, err = coordinator.Transports(sessionID, media_sdp.NewPoolTransports(pool)).Reserve(pcma)
	require.NoError(t, err)

	binder := coordinator.Binder(sessionID)
	require.NoError(t, binder.SetRemoteCredentials("pcma/8000", "remoteufrag", "remotepassword0123456789"))
	require.NoError(t, binder.InjectRemoteCandidate("pcma/8000", unreachableCandidate))

	outcomes := awaitChannel(t, coordinator, "pcma/8000")
	coordinator.StartConnectivity(sessionID)

	var outcome ice.Outcome
	select {
	case outcome = <-outcomes:
	case <-time.After(3 * time.Second):
		require.FailNow(t, "ICE сессия не достигла терминального состояния")
	}

	assert.Equal(t, ice.StateFailed, outcome.State)
	assert.False(t, outcome.Succeeded())
	assert.Zero(t, outcome.Data)
	assert.Zero(t, outcome.Control)
	assert.Equal(t, 0, coordinator.Sessions(), "сессия освобождена после доставки")
}
