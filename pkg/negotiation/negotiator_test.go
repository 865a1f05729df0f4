package negotiation

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/ice"
	"github.com/arzzra/media_negotiation/pkg/ice/mockEngine"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	callKey      = "call-1/REGULAR"
	localAddress = "192.168.1.10"
)

// sdpText собирает документ из строк с CRLF
func sdpText(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func parse(t *testing.T, text string) *sdp.SessionDescription {
	t.Helper()
	desc := &sdp.SessionDescription{}
	require.NoError(t, desc.Unmarshal([]byte(text)))
	return desc
}

type fixture struct {
	registry    *codec.Registry
	builder     *media_sdp.Builder
	transports  *media_sdp.PoolTransports
	engine      *mockEngine.Engine
	coordinator *ice.Coordinator
}

func newFixture(t *testing.T, keys ...string) *fixture {
	t.Helper()

	registry, err := codec.DefaultRegistry().WithEnabled(keys...)
	require.NoError(t, err)

	pool, err := media.NewPortPool(20000, 20100, media.PortAllocationSequential)
	require.NoError(t, err)

	builderConfig := media_sdp.DefaultBuilderConfig()
	builderConfig.Registry = registry
	builderConfig.Logger = zerolog.Nop()

	iceConfig := ice.DefaultConfig()
	iceConfig.STUNServers = nil
	iceConfig.MinPort, iceConfig.MaxPort = 20000, 20100
	iceConfig.Logger = zerolog.Nop()
	engine := mockEngine.NewEngine()

	return &fixture{
		registry:    registry,
		builder:     media_sdp.NewBuilder(builderConfig),
		transports:  media_sdp.NewPoolTransports(pool),
		engine:      engine,
		coordinator: ice.NewCoordinator(engine, iceConfig),
	}
}

func (f *fixture) negotiator(withICE bool) *Negotiator {
	config := DefaultConfig()
	config.Registry = f.registry
	config.Logger = zerolog.Nop()
	if withICE {
		config.Coordinator = f.coordinator
	}
	return NewNegotiator(config)
}

func TestNegotiateWithoutICE(t *testing.T) {
	t.Run("вызывающая сторона", func(t *testing.T) {
		f := newFixture(t, "PCMA/8000")

		offer, err := f.builder.BuildOffer(localAddress, f.transports)
		require.NoError(t, err)
		offerPort := offer.MediaDescriptions[0].MediaName.Port.Value

		answer := parse(t, sdpText(
			"v=0",
			"o=- 1 0 IN IP4 10.0.0.2",
			"s=-",
			"c=IN IP4 10.0.0.2",
			"t=0 0",
			"m=audio 30000 RTP/AVP 8",
			"a=rtpmap:8 PCMA/8000",
			"a=sendrecv",
		))

		result := f.negotiator(false).Negotiate(Request{Key: callKey, Role: RoleCaller, Offer: offer, Answer: answer})
		require.NoError(t, result.Failed)
		require.Len(t, result.Prepared, 1)
		assert.Zero(t, result.AwaitingICE)

		s := result.Prepared[0]
		assert.Equal(t, "PCMA/8000", s.Codec.RTPKey())
		assert.Equal(t, ice.Endpoint{Address: localAddress, Port: offerPort}, s.LocalData)
		assert.Equal(t, ice.Endpoint{Address: localAddress, Port: offerPort + 1}, s.LocalControl)
		assert.Equal(t, ice.Endpoint{Address: "10.0.0.2", Port: 30000}, s.RemoteData)
		assert.Equal(t, ice.Endpoint{Address: "10.0.0.2", Port: 30001}, s.RemoteControl)
		assert.Equal(t, media.DirectionSendRecv, s.Direction)
		assert.False(t, s.ResolvedByICE())

		require.Len(t, result.Lines, 1)
		assert.Equal(t, StateReady, result.Lines[0].State)
	})

	t.Run("вызываемая сторона", func(t *testing.T) {
		f := newFixture(t, "PCMA/8000", "SPEEX/16000")

		offer := parse(t, sdpText(
			"v=0",
			"o=- 1 0 IN IP4 10.0.0.2",
			"s=-",
			"c=IN IP4 10.0.0.2",
			"t=0 0",
			"m=audio 30000 RTP/AVP 8",
			"a=rtpmap:8 PCMA/8000",
			"a=sendonly",
			"m=audio 30010 RTP/AVP 97",
			"a=rtpmap:97 SPEEX/16000",
			"a=sendrecv",
		))

		answer, err := f.builder.BuildAnswer(offer, localAddress, f.transports)
		require.NoError(t, err)
		require.Len(t, answer.MediaDescriptions, 2)

		result := f.negotiator(false).Negotiate(Request{Key: callKey, Role: RoleCallee, Offer: offer, Answer: answer})
		require.NoError(t, result.Failed)
		require.Len(t, result.Prepared, 2)

		pcma := result.Prepared[0]
		assert.Equal(t, "PCMA/8000", pcma.Codec.RTPKey())
		assert.Equal(t, localAddress, pcma.LocalData.Address)
		assert.Equal(t, answer.MediaDescriptions[0].MediaName.Port.Value, pcma.LocalData.Port)
		assert.Equal(t, ice.Endpoint{Address: "10.0.0.2", Port: 30000}, pcma.RemoteData)
		assert.Equal(t, media.DirectionRecvOnly, pcma.Direction, "направление берется из ответа")

		speex := result.Prepared[1]
		assert.Equal(t, "SPEEX/16000", speex.Codec.RTPKey())
		assert.Equal(t, ice.Endpoint{Address: "10.0.0.2", Port: 30010}, speex.RemoteData)
		assert.Equal(t, media.DirectionSendRecv, speex.Direction)
	})

	t.Run("отклоненный поток с портом 0", func(t *testing.T) {
		f := newFixture(t, "PCMA/8000")

		offer, err := f.builder.BuildOffer(localAddress, f.transports)
		require.NoError(t, err)
		answer := parse(t, sdpText(
			"v=0",
			"o=- 1 0 IN IP4 10.0.0.2",
			"s=-",
			"c=IN IP4 10.0.0.2",
			"t=0 0",
			"m=audio 0 RTP/AVP 8",
			"a=rtpmap:8 PCMA/8000",
		))

		result := f.negotiator(false).Negotiate(Request{Key: callKey, Role: RoleCaller, Offer: offer, Answer: answer})
		require.Len(t, result.Prepared, 1)
		assert.True(t, result.Prepared[0].Rejected())
	})
}

func TestNegotiateMismatch(t *testing.T) {
	t.Run("кодек ответа отсутствует в предложении", func(t *testing.T) {
		f := newFixture(t, "PCMA/8000", "SPEEX/16000")

		offer := parse(t, sdpText(
			"v=0",
			"o=- 1 0 IN IP4 192.168.1.10",
			"s=-",
			"c=IN IP4 192.168.1.10",
			"t=0 0",
			"m=audio 20000 RTP/AVP 8",
			"a=rtpmap:8 PCMA/8000",
		))
		answer := parse(t, sdpText(
			"v=0",
			"o=- 1 0 IN IP4 10.0.0.2",
			"s=-",
			"c=IN IP4 10.0.0.2",
			"t=0 0",
			"m=audio 30000 RTP/AVP 97",
			"a=rtpmap:97 SPEEX/16000",
		))

		result := f.negotiator(false).Negotiate(Request{Key: callKey, Role: RoleCaller, Offer: offer, Answer: answer})
		require.NoError(t, result.Failed)
		assert.Empty(t, result.Prepared)
		require.Len(t, result.Lines, 1)
		assert.Equal(t, StateDropped, result.Lines[0].State)
		assert.ErrorIs(t, result.Lines[0].Err, codec.ErrNoMatch)
	})

	t.Run("кодек вне реестра", func(t *testing.T) {
		f := newFixture(t, "PCMA/8000")

		offer := parse(t, sdpText(
			"v=0",
			"o=- 1 0 IN IP4 192.168.1.10",
			"s=-",
			"c=IN IP4 192.168.1.10",
			"t=0 0",
			"m=audio 20000 RTP/AVP 9 8",
			"a=rtpmap:9 G722/8000",
			"a=rtpmap:8 PCMA/8000",
		))
		answer := parse(t, sdpText(
			"v=0",
			"o=- 1 0 IN IP4 10.0.0.2",
			"s=-",
			"c=IN IP4 10.0.0.2",
			"t=0 0",
			"m=audio 30000 RTP/AVP 9 8",
			"a=rtpmap:9 G722/8000",
			"a=rtpmap:8 PCMA/8000",
		))

		result := f.negotiator(false).Negotiate(Request{Key: callKey, Role: RoleCaller, Offer: offer, Answer: answer})
		require.Len(t, result.Lines, 2)
		assert.ErrorIs(t, result.Lines[0].Err, codec.ErrCodecInconsistency)
		assert.Equal(t, StateDropped, result.Lines[0].State)

		require.Len(t, result.Prepared, 1, "остальные строки согласуются")
		assert.Equal(t, "PCMA/8000", result.Prepared[0].Codec.RTPKey())
	})

	t.Run("документ не передан", func(t *testing.T) {
		f := newFixture(t, "PCMA/8000")
		result := f.negotiator(false).Negotiate(Request{Key: callKey, Role: RoleCaller})
		assert.ErrorIs(t, result.Failed, ErrMissingDocument)
	})
}

// iceAnswer ответ удаленной стороны с ICE для PCMA
func iceAnswer(t *testing.T, withCandidates bool) *sdp.SessionDescription {
	lines := []string{
		"v=0",
		"o=- 1 0 IN IP4 10.0.0.2",
		"s=-",
		"c=IN IP4 10.0.0.2",
		"t=0 0",
		"a=ice-ufrag:remoteufrag",
		"a=ice-pwd:remotepassword0123456789",
		"m=audio 30000 RTP/AVP 8",
		"a=rtpmap:8 PCMA/8000",
	}
	if withCandidates {
		lines = append(lines,
			"a=candidate:1 1 UDP 2130706431 10.0.0.2 30000 typ host",
			"a=candidate:1 2 UDP 2130706431 10.0.0.2 30001 typ host",
		)
	}
	lines = append(lines, "a=sendrecv")
	return parse(t, sdpText(lines...))
}

func TestNegotiateWithICE(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *mockEngine.Session, *sdp.SessionDescription) {
		f := newFixture(t, "PCMA/8000")
		require.NoError(t, f.coordinator.Prepare(callKey, localAddress, true))
		offer, err := f.builder.BuildOffer(localAddress, f.coordinator.Transports(callKey, f.transports))
		require.NoError(t, err)
		return f, f.engine.LastSession(), offer
	}

	await := func(t *testing.T, resolved chan *Session) *Session {
		t.Helper()
		select {
		case s := <-resolved:
			return s
		case <-time.After(time.Second):
			require.FailNow(t, "результат ICE не доставлен")
			return nil
		}
	}

	t.Run("выбранная пара заменяет адрес SDP", func(t *testing.T) {
		f, session, offer := setup(t)
		resolved := make(chan *Session, 1)

		result := f.negotiator(true).Negotiate(Request{
			Key:        callKey,
			Role:       RoleCaller,
			Offer:      offer,
			Answer:     iceAnswer(t, true),
			OnResolved: func(s *Session) { resolved <- s },
		})
		require.NoError(t, result.Failed)
		assert.Empty(t, result.Prepared)
		assert.Equal(t, 1, result.AwaitingICE)
		assert.Equal(t, StateAwaitingICE, result.Lines[0].State)
		assert.Equal(t, 1, session.Starts())

		stream, ok := session.Stream("pcma/8000")
		require.True(t, ok)
		ufrag, password := stream.RemoteCredentials()
		assert.Equal(t, "remoteufrag", ufrag)
		assert.Equal(t, "remotepassword0123456789", password)

		rtp, ok := stream.Component(ice.ComponentRTP)
		require.True(t, ok)
		assert.Len(t, rtp.Remote(), 1)
		rtp.Select("203.0.113.9", 40000)

		session.SetState(ice.StateTerminated)

		s := await(t, resolved)
		assert.True(t, s.ResolvedByICE())
		assert.Equal(t, ice.Endpoint{Address: "203.0.113.9", Port: 40000}, s.RemoteData)
		assert.Equal(t, ice.Endpoint{Address: "203.0.113.9", Port: 40001}, s.RemoteControl)
		assert.Equal(t, localAddress, s.LocalData.Address)
		assert.True(t, session.Freed())
	})

	t.Run("отказ ICE оставляет адреса SDP", func(t *testing.T) {
		f, session, offer := setup(t)
		resolved := make(chan *Session, 1)

		result := f.negotiator(true).Negotiate(Request{
			Key:        callKey,
			Role:       RoleCaller,
			Offer:      offer,
			Answer:     iceAnswer(t, true),
			OnResolved: func(s *Session) { resolved <- s },
		})
		require.Equal(t, 1, result.AwaitingICE)

		session.SetState(ice.StateFailed)

		s := await(t, resolved)
		assert.False(t, s.ResolvedByICE())
		assert.Equal(t, ice.Endpoint{Address: "10.0.0.2", Port: 30000}, s.RemoteData)
	})

	t.Run("удаленная сторона без ICE", func(t *testing.T) {
		f, session, offer := setup(t)

		result := f.negotiator(true).Negotiate(Request{
			Key:    callKey,
			Role:   RoleCaller,
			Offer:  offer,
			Answer: iceAnswer(t, false),
		})
		require.Len(t, result.Prepared, 1)
		assert.Zero(t, result.AwaitingICE)
		assert.Equal(t, ice.Endpoint{Address: "10.0.0.2", Port: 30000}, result.Prepared[0].RemoteData)

		assert.Equal(t, []string{"pcma/8000"}, session.Removed())
		assert.True(t, session.Freed())
		assert.Zero(t, session.Starts())
		assert.False(t, f.coordinator.HasSession(callKey))
	})

	t.Run("повторный результат не применяется", func(t *testing.T) {
		s := &Session{RemoteData: ice.Endpoint{Address: "10.0.0.2", Port: 30000}}

		assert.True(t, s.ApplyOutcome(ice.Outcome{State: ice.StateFailed}))
		assert.False(t, s.ApplyOutcome(ice.Outcome{
			State: ice.StateTerminated,
			Data:  ice.Endpoint{Address: "203.0.113.9", Port: 40000},
		}))
		assert.Equal(t, 30000, s.RemoteData.Port)
	})
}

func TestLineMachine(t *testing.T) {
	t.Run("строка без ICE", func(t *testing.T) {
		m := newLineMachine("PCMA/8000", zerolog.Nop())
		assert.Equal(t, StateAwaitingAnswerExtraction, m.State())

		require.NoError(t, m.fire(EventAnswerExtracted))
		require.NoError(t, m.fire(EventMatched))
		assert.Equal(t, StateReady, m.State())

		assert.Error(t, m.fire(EventICEResolved))
		assert.Error(t, m.fire(EventAbort), "из ready выхода нет")
	})

	t.Run("строка с ICE", func(t *testing.T) {
		m := newLineMachine("PCMA/8000", zerolog.Nop())
		require.NoError(t, m.fire(EventAnswerExtracted))
		require.NoError(t, m.fire(EventMatchedWithICE))
		assert.Equal(t, StateAwaitingICE, m.State())
		require.NoError(t, m.fire(EventICEResolved))
		assert.Equal(t, StateReady, m.State())
	})

	t.Run("несовпадение и прерывание", func(t *testing.T) {
		m := newLineMachine("SPEEX/16000", zerolog.Nop())
		assert.Error(t, m.fire(EventMatched), "сначала строка ответа")
		require.NoError(t, m.fire(EventAnswerExtracted))
		require.NoError(t, m.fire(EventMismatch))
		assert.Equal(t, StateDropped, m.State())

		m = newLineMachine("SPEEX/16000", zerolog.Nop())
		require.NoError(t, m.fire(EventAbort))
		assert.Equal(t, StateDropped, m.State())
	})

	t.Run("недопустимый переход попадает в лог", func(t *testing.T) {
		var buf bytes.Buffer
		m := newLineMachine("PCMA/8000", zerolog.New(&buf).Level(zerolog.WarnLevel))

		m.advance(EventAnswerExtracted)
		m.advance(EventMatched)
		assert.Empty(t, buf.String(), "допустимые переходы без предупреждений")

		m.advance(EventICEResolved)
		assert.Equal(t, StateReady, m.State())
		assert.Contains(t, buf.String(), "недопустимый переход строки согласования")
		assert.Contains(t, buf.String(), `"rtp_key":"PCMA/8000"`)
		assert.Contains(t, buf.String(), `"event":"ice_resolved"`)
	})
}

func TestCallRole(t *testing.T) {
	assert.Equal(t, "CALLER", RoleCaller.String())
	assert.Equal(t, "CALLEE", RoleCallee.String())

	offer, answer := perspectives(RoleCallee)
	assert.Equal(t, media_sdp.PerspectiveRemote, offer)
	assert.Equal(t, media_sdp.PerspectiveLocal, answer)
}

// Проверки без ответа завершаются по таймауту, строка получает адреса SDP
func TestNegotiateICETimeout(t *testing.T) {
	f := newFixture(t, "PCMA/8000")

	pool, err := media.NewPortPool(47200, 47299, media.PortAllocationSequential)
	require.NoError(t, err)

	engineConfig := ice.DefaultPionEngineConfig()
	engineConfig.GatherTimeout = 500 * time.Millisecond
	engineConfig.CheckTimeout = 200 * time.Millisecond
	engineConfig.IncludeLoopback = true
	engineConfig.Logger = zerolog.Nop()

	coordinatorConfig := ice.DefaultConfig()
	coordinatorConfig.STUNServers = nil
	coordinatorConfig.MinPort, coordinatorConfig.MaxPort = 47200, 47299
	coordinatorConfig.Logger = zerolog.Nop()
	f.coordinator = ice.NewCoordinator(ice.NewPionEngine(engineConfig), coordinatorConfig)
	defer f.coordinator.Discard(callKey)

	require.NoError(t, f.coordinator.Prepare(callKey, "127.0.0.1", true))
	offer, err := f.builder.BuildOffer("127.0.0.1", f.coordinator.Transports(callKey, media_sdp.NewPoolTransports(pool)))
	require.NoError(t, err)

	answer := parse(t, sdpText(
		"v=0",
		"o=- 1 0 IN IP4 192.0.2.1",
		"s=-",
		"c=IN IP4 192.0.2.1",
		"t=0 0",
		"a=ice-ufrag:remoteufrag",
		"a=ice-pwd:remotepassword0123456789",
		"m=audio 30000 RTP/AVP 8",
		"a=rtpmap:8 PCMA/8000",
		"a=candidate:1 1 UDP 2130706431 192.0.2.1 30000 typ host",
		"a=candidate:1 2 UDP 2130706431 192.0.2.1 30001 typ host",
		"a=sendrecv",
	))

	resolved := make(chan *Session, 1)
	result := f.negotiator(true).Negotiate(Request{
		Key:        callKey,
		Role:       RoleCaller,
		Offer:      offer,
		Answer:     answer,
		OnResolved: func(s *Session) { resolved <- s },
	})
	require.NoError(t, result.Failed)
	require.Equal(t, 1, result.AwaitingICE)

	select {
	case s := <-resolved:
		assert.False(t, s.ResolvedByICE())
		assert.Equal(t, ice.Endpoint{Address: "192.0.2.1", Port: 30000}, s.RemoteData)
		assert.Equal(t, ice.Endpoint{Address: "192.0.2.1", Port: 30001}, s.RemoteControl)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "ICE сессия не достигла терминального состояния")
	}
	assert.False(t, f.coordinator.HasSession(callKey))
}
