// Package session связывает построение SDP, согласование и ICE
// с жизненным циклом медиа потоков вызова. Все состояние хранится
// по ключу (Call-ID, вид сессии), операции над одним ключом сериализуются.
package session

import (
	"errors"
	"fmt"
	"sort"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/ice"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
	"github.com/arzzra/media_negotiation/pkg/negotiation"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Результаты настройки для метрик
const (
	setupStarted   = "started"
	setupPostponed = "postponed"
	setupSkipped   = "skipped"
	setupFailed    = "failed"
)

func defaultLogger() zerolog.Logger {
	return log.Logger.With().Str("component", "session_manager").Logger()
}

// Manager API уровня вызова для сигнализации: предложение, ответ,
// настройка и завершение медиа сессии.
//
// Операции по ролям:
//   - CALLER: GenerateOffer, затем ReceiveAnswerToAcceptedOffer
//   - CALLEE: GenerateAnswer
//   - обе роли: PerformSessionSetup, PerformSessionTermination, IsSessionOngoing
//
// Гарантии:
//   - операции над одним ключом (Call-ID, вид сессии) сериализуются
//   - роль ключа задается первой операцией и не меняется
//   - при ошибке GenerateOffer и GenerateAnswer возвращают nil,
//     ReceiveAnswerToAcceptedOffer возвращает *NegotiationError; каждая
//     ошибка пишется в лог и в счетчик negotiation_failures_total
//   - настройка до готовности сессий откладывается и повторяется ровно
//     один раз, каждый кодек получает один поток
//   - новый раунд offer/answer освобождает потоки и порты прошлого
//   - завершение идемпотентно и всегда вызывает Close после Stop
type Manager struct {
	registry    *codec.Registry
	builder     *media_sdp.Builder
	negotiator  *negotiation.Negotiator
	coordinator *ice.Coordinator
	pool        *media.PortPool
	store       *Store
	metrics     *Metrics
	logger      zerolog.Logger
}

// NewManager создает менеджер. iceEngine может быть nil, если ICE выключен.
// Метрики регистрируются в registerer, nil оставляет их незарегистрированными.
func NewManager(config Config, iceEngine ice.Engine, registerer prometheus.Registerer) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}

	registry, err := codec.DefaultRegistry().WithEnabled(config.Codecs.Enabled...)
	if err != nil {
		return nil, err
	}
	if len(registry.Enabled()) == 0 {
		return nil, errors.New("не включен ни один кодек")
	}

	strategy, err := media.ParsePortAllocationStrategy(config.Ports.Strategy)
	if err != nil {
		return nil, err
	}
	pool, err := media.NewPortPool(config.Ports.Min, config.Ports.Max, strategy)
	if err != nil {
		return nil, err
	}

	var coordinator *ice.Coordinator
	if config.ICE.Enabled {
		if iceEngine == nil {
			return nil, errors.New("ICE включен, но движок не передан")
		}
		coordinator = ice.NewCoordinator(iceEngine, config.iceConfig())
	}

	builderConfig := media_sdp.DefaultBuilderConfig()
	builderConfig.Identifier = config.Identifier
	builderConfig.Registry = registry
	builderConfig.Logger = config.Logger.With().Str("component", "sdp_builder").Logger()

	negotiatorConfig := negotiation.DefaultConfig()
	negotiatorConfig.Registry = registry
	negotiatorConfig.Coordinator = coordinator
	negotiatorConfig.Logger = config.Logger.With().Str("component", "negotiator").Logger()

	return &Manager{
		registry:    registry,
		builder:     media_sdp.NewBuilder(builderConfig),
		negotiator:  negotiation.NewNegotiator(negotiatorConfig),
		coordinator: coordinator,
		pool:        pool,
		store:       NewStore(),
		metrics:     NewMetrics(config.Metrics.Namespace, registerer),
		logger:      config.Logger,
	}, nil
}

// Registry возвращает реестр кодеков менеджера
func (m *Manager) Registry() *codec.Registry {
	return m.registry
}

// Store возвращает хранилище состояния
func (m *Manager) Store() *Store {
	return m.store
}

// ICEEnabled сообщает, участвует ли ICE в согласовании
func (m *Manager) ICEEnabled() bool {
	return m.coordinator != nil
}

func (m *Manager) keyLogger(key SessionKey) zerolog.Logger {
	return m.logger.With().
		Str("call_id", key.CallID).
		Str("session_type", key.Type.String()).
		Logger()
}

// GenerateOffer строит и запоминает предложение, роль CALLER.
// При любой ошибке возвращает nil.
func (m *Manager) GenerateOffer(callID string, sessionType SessionType, localAddress string) *sdp.SessionDescription {
	key := NewSessionKey(callID, sessionType)
	logger := m.keyLogger(key)

	e := m.store.acquire(key)
	defer e.unlock()

	if !e.setRole(negotiation.RoleCaller) {
		m.reject(logger, newNegotiationError(key, "ROLE_CONFLICT", ErrorCategorySequencing,
			"предложение для ключа с ролью "+e.role.String(), ErrRoleConflict))
		return nil
	}

	m.supersede(e, logger)
	provider := m.provider(e, localAddress, true, true, logger)

	offer, err := m.builder.BuildOffer(localAddress, provider)
	if err != nil {
		m.discardICE(key)
		m.reject(logger, newNegotiationError(key, "OFFER_FAILED", ErrorCategoryMalformedDocument,
			"не удалось построить предложение", err))
		return nil
	}

	e.record = &Record{Offer: offer}
	m.metrics.offerGenerated()

	logger.Info().Int("media_count", len(offer.MediaDescriptions)).Msg("предложение построено")
	return offer
}

// ReceiveAnswerToAcceptedOffer записывает ответ на ранее построенное
// предложение и запускает согласование.
func (m *Manager) ReceiveAnswerToAcceptedOffer(callID string, sessionType SessionType, answer *sdp.SessionDescription) error {
	key := NewSessionKey(callID, sessionType)
	logger := m.keyLogger(key)

	e := m.store.lookup(key)
	if e == nil {
		err := newNegotiationError(key, "NO_OFFER", ErrorCategorySequencing, "ответ без предложения", ErrNoOffer)
		m.reject(logger, err)
		return err
	}
	defer e.unlock()

	if e.record == nil || e.record.Offer == nil || e.role != negotiation.RoleCaller {
		err := newNegotiationError(key, "NO_OFFER", ErrorCategorySequencing, "ответ без предложения", ErrNoOffer)
		m.reject(logger, err)
		return err
	}
	if e.record.Answer != nil {
		err := newNegotiationError(key, "ALREADY_ANSWERED", ErrorCategorySequencing, "повторный ответ", ErrAlreadyAnswered)
		m.reject(logger, err)
		return err
	}
	if answer == nil {
		err := newNegotiationError(key, "EMPTY_ANSWER", ErrorCategoryMalformedDocument, "пустой ответ", negotiation.ErrMissingDocument)
		m.reject(logger, err)
		return err
	}

	if m.coordinator == nil {
		media_sdp.StripICE(answer)
	}

	e.record.Answer = answer
	m.metrics.answerStored()

	if err := m.negotiate(e, negotiation.RoleCaller, logger); err != nil {
		e.record.Answer = nil
		return err
	}
	return nil
}

// GenerateAnswer строит ответ на предложение, роль CALLEE.
// Строки без ICE готовы сразу, строки с ICE разрешаются позже.
func (m *Manager) GenerateAnswer(callID string, sessionType SessionType, offer *sdp.SessionDescription, localAddress string) *sdp.SessionDescription {
	key := NewSessionKey(callID, sessionType)
	logger := m.keyLogger(key)

	e := m.store.acquire(key)
	defer e.unlock()

	if !e.setRole(negotiation.RoleCallee) {
		m.reject(logger, newNegotiationError(key, "ROLE_CONFLICT", ErrorCategorySequencing,
			"ответ для ключа с ролью "+e.role.String(), ErrRoleConflict))
		return nil
	}
	if offer == nil {
		m.reject(logger, newNegotiationError(key, "EMPTY_OFFER", ErrorCategoryMalformedDocument,
			"пустое предложение", negotiation.ErrMissingDocument))
		return nil
	}

	if m.coordinator == nil {
		media_sdp.StripICE(offer)
	}

	m.supersede(e, logger)
	provider := m.provider(e, localAddress, false, offerHasICE(offer), logger)

	answer, err := m.builder.BuildAnswer(offer, localAddress, provider)
	if err != nil {
		m.discardICE(key)
		m.reject(logger, newNegotiationError(key, "ANSWER_FAILED", ErrorCategoryCodecInconsistency,
			"ответ не построен", err))
		return nil
	}

	e.record = &Record{Offer: offer, Answer: answer}
	m.metrics.answerStored()

	if err := m.negotiate(e, negotiation.RoleCallee, logger); err != nil {
		e.record = nil
		return nil
	}

	logger.Info().Int("media_count", len(answer.MediaDescriptions)).Msg("ответ построен")
	return answer
}

// PerformSessionSetup передает подготовленные сессии медиа движку.
// Неполная запись - безвредный no-op. Если сессии еще не готовы,
// запрос откладывается и повторяется при первой готовой сессии.
func (m *Manager) PerformSessionSetup(callID string, sessionType SessionType, engine media.Engine) bool {
	key := NewSessionKey(callID, sessionType)
	logger := m.keyLogger(key)

	e := m.store.lookup(key)
	if e == nil {
		logger.Debug().Msg("настройка без записи согласования пропущена")
		m.metrics.setup(setupSkipped)
		return true
	}
	defer e.unlock()

	if !e.record.Complete() {
		logger.Debug().Msg("согласование не завершено, настройка пропущена")
		m.metrics.setup(setupSkipped)
		return true
	}

	if e.prepared == nil {
		e.postponed = engine
		logger.Info().Msg("сессии еще не готовы, настройка отложена")
		m.metrics.setup(setupPostponed)
		return true
	}

	return m.setupLocked(e, engine, logger)
}

// PerformSessionTermination останавливает и закрывает все потоки
// и удаляет состояние ключа. Повторный вызов безопасен.
func (m *Manager) PerformSessionTermination(callID string, sessionType SessionType) bool {
	key := NewSessionKey(callID, sessionType)
	logger := m.keyLogger(key)

	e := m.store.lookup(key)
	if e == nil {
		return true
	}
	defer e.unlock()

	for _, s := range sortedSessions(e.prepared) {
		if s.Stream == nil || e.engine == nil {
			continue
		}
		m.stopAndClose(e.engine, s.Stream, logger)
		s.Stream = nil
	}

	wasStarted := e.started
	e.record = nil
	e.prepared = nil
	e.postponed = nil
	e.engine = nil
	e.started = false

	if e.transports != nil {
		if err := e.transports.ReleaseAll(); err != nil {
			logger.Warn().Err(err).Msg("не удалось освободить порты")
			m.metrics.failure(ErrorCategoryCleanup)
		}
	}
	m.discardICE(key)
	m.store.remove(e)

	m.metrics.sessionTerminated(wasStarted)
	logger.Info().Bool("was_started", wasStarted).Msg("сессия завершена")
	return true
}

// IsSessionOngoing сообщает, что сессия запущена и еще не завершена
func (m *Manager) IsSessionOngoing(callID string, sessionType SessionType) bool {
	e := m.store.lookup(NewSessionKey(callID, sessionType))
	if e == nil {
		return false
	}
	defer e.unlock()
	return e.started
}

// PreparedSessions возвращает подготовленные сессии ключа, упорядоченные по rtpKey
func (m *Manager) PreparedSessions(callID string, sessionType SessionType) []*negotiation.Session {
	e := m.store.lookup(NewSessionKey(callID, sessionType))
	if e == nil {
		return nil
	}
	defer e.unlock()
	return sortedSessions(e.prepared)
}

// provider выбирает источник локального транспорта.
// Ошибка ICE не фатальна: используются порты из пула без кандидатов.
func (m *Manager) provider(e *entry, localAddress string, controlling, useICE bool, logger zerolog.Logger) media_sdp.TransportProvider {
	if e.transports == nil {
		e.transports = media_sdp.NewPoolTransports(m.pool)
	}
	if m.coordinator == nil || !useICE {
		return e.transports
	}

	id := e.key.String()
	// новый раунд offer/answer начинает новую ICE сессию
	m.coordinator.Discard(id)
	if err := m.coordinator.Prepare(id, localAddress, controlling); err != nil {
		logger.Warn().Err(err).Msg("ICE недоступен, SDP без кандидатов")
		m.metrics.failure(ErrorCategoryICEFailure)
		return e.transports
	}
	return m.coordinator.Transports(id, e.transports)
}

// supersede освобождает результаты прошлого раунда offer/answer перед новым:
// потоки останавливаются и закрываются, ICE сессия сбрасывается,
// порты возвращаются в пул. Движок и признак запуска сохраняются,
// новые сессии настраиваются сразу после согласования.
func (m *Manager) supersede(e *entry, logger zerolog.Logger) {
	if e.record == nil && e.prepared == nil && e.transports == nil {
		return
	}

	for _, s := range sortedSessions(e.prepared) {
		if s.Stream != nil && e.engine != nil {
			m.stopAndClose(e.engine, s.Stream, logger)
		}
		s.Stream = nil
	}
	e.prepared = nil
	e.record = nil

	m.discardICE(e.key)
	if e.transports != nil {
		if err := e.transports.ReleaseAll(); err != nil {
			logger.Warn().Err(err).Msg("не удалось освободить порты прошлого раунда")
			m.metrics.failure(ErrorCategoryCleanup)
		}
		e.transports = nil
	}

	logger.Debug().Msg("результаты прошлого раунда освобождены")
}

func (m *Manager) discardICE(key SessionKey) {
	if m.coordinator != nil {
		m.coordinator.Discard(key.String())
	}
}

// negotiate запускает согласование для полной записи, мьютекс записи захвачен
func (m *Manager) negotiate(e *entry, role negotiation.CallRole, logger zerolog.Logger) error {
	record := e.record
	key := e.key

	result := m.negotiator.Negotiate(negotiation.Request{
		Key:    key.String(),
		Role:   role,
		Offer:  record.Offer,
		Answer: record.Answer,
		OnResolved: func(s *negotiation.Session) {
			m.onResolved(key, record, s)
		},
	})

	for range result.Errors {
		m.metrics.failure(ErrorCategoryMalformedLine)
	}
	for _, line := range result.Lines {
		if line.Err != nil {
			m.metrics.failure(categorize(line.Err))
		}
	}

	if result.Failed != nil {
		err := newNegotiationError(key, "NEGOTIATION_FAILED", ErrorCategoryMalformedDocument,
			"согласование не выполнено", result.Failed)
		m.reject(logger, err)
		return err
	}

	for _, s := range result.Prepared {
		m.storeSession(e, s, pathSDP, logger)
	}

	if len(result.Prepared) == 0 && result.AwaitingICE == 0 {
		logger.Warn().Msg("ни одна строка не согласована")
	}
	return nil
}

// onResolved принимает сессию, дождавшуюся ICE. Результат для уже
// завершенной или пересогласованной записи отбрасывается.
func (m *Manager) onResolved(key SessionKey, record *Record, s *negotiation.Session) {
	logger := m.keyLogger(key)

	state := ice.StateFailed.String()
	if s.ResolvedByICE() {
		state = ice.StateTerminated.String()
	} else {
		m.metrics.failure(ErrorCategoryICEFailure)
		logger.Warn().Str("rtp_key", s.Codec.RTPKey()).Msg("ICE не выбрал пару, используются адреса SDP")
	}
	m.metrics.iceOutcome(state)

	e := m.store.lookup(key)
	if e == nil {
		logger.Debug().Str("rtp_key", s.Codec.RTPKey()).Msg("результат ICE после завершения отброшен")
		return
	}
	defer e.unlock()

	if e.record != record {
		logger.Debug().Str("rtp_key", s.Codec.RTPKey()).Msg("устаревший результат ICE отброшен")
		return
	}

	m.storeSession(e, s, pathICE, logger)
}

// storeSession кладет сессию в подготовленные и повторяет отложенную настройку.
// Сессия, пришедшая после настройки, настраивается сразу.
func (m *Manager) storeSession(e *entry, s *negotiation.Session, path string, logger zerolog.Logger) {
	if e.prepared == nil {
		e.prepared = make(map[codec.Descriptor]*negotiation.Session)
	}

	if old, ok := e.prepared[s.Codec]; ok && old != s && old.Stream != nil && e.engine != nil {
		m.stopAndClose(e.engine, old.Stream, logger)
	}
	e.prepared[s.Codec] = s
	m.metrics.prepared(path)

	logger.Debug().
		Str("rtp_key", s.Codec.RTPKey()).
		Str("path", path).
		Str("session", s.String()).
		Msg("сессия подготовлена")

	switch {
	case e.postponed != nil:
		engine := e.postponed
		e.postponed = nil
		logger.Info().Msg("повтор отложенной настройки")
		m.setupLocked(e, engine, logger)
	case e.started && e.engine != nil:
		m.setupLocked(e, e.engine, logger)
	}
}

// setupLocked создает потоки для сессий без дескриптора.
// Поток с портом 0 или направлением inactive создается, но не запускается.
func (m *Manager) setupLocked(e *entry, engine media.Engine, logger zerolog.Logger) bool {
	ok := true

	for _, s := range sortedSessions(e.prepared) {
		if s.Stream != nil {
			continue
		}

		name := uuid.NewString()
		stream, err := engine.CreateStream(s.StreamParams(name))
		if err != nil {
			logger.Error().Err(err).Str("rtp_key", s.Codec.RTPKey()).Msg("медиа движок не создал поток")
			m.metrics.setup(setupFailed)
			ok = false
			continue
		}
		s.Stream = stream

		if s.Rejected() || s.Direction == media.DirectionInactive {
			logger.Debug().
				Str("rtp_key", s.Codec.RTPKey()).
				Str("stream", name).
				Msg("поток создан без запуска")
			continue
		}

		if err := engine.Start(stream); err != nil {
			logger.Error().Err(err).Str("rtp_key", s.Codec.RTPKey()).Msg("медиа движок не запустил поток")
			ok = false
			continue
		}

		logger.Info().
			Str("rtp_key", s.Codec.RTPKey()).
			Str("stream", name).
			Str("session", s.String()).
			Msg("поток запущен")
	}

	e.engine = engine
	e.postponed = nil
	if !e.started {
		e.started = true
		m.metrics.sessionStarted()
	}
	m.metrics.setup(setupStarted)
	return ok
}

// stopAndClose останавливает поток, Close выполняется всегда
func (m *Manager) stopAndClose(engine media.Engine, stream media.Stream, logger zerolog.Logger) {
	if err := engine.Stop(stream); err != nil {
		logger.Warn().Err(err).Str("stream", stream.Name()).Msg("ошибка остановки потока")
		m.metrics.failure(ErrorCategoryCleanup)
	}
	if err := engine.Close(stream); err != nil {
		logger.Warn().Err(err).Str("stream", stream.Name()).Msg("ошибка закрытия потока")
		m.metrics.failure(ErrorCategoryCleanup)
	}
}

func (m *Manager) reject(logger zerolog.Logger, err *NegotiationError) {
	m.metrics.failure(err.Category)
	logger.Error().
		Err(err).
		Str("code", err.Code).
		Str("category", err.Category.String()).
		Bool("retryable", err.Retryable).
		Msg("операция согласования отклонена")
}

func sortedSessions(prepared map[codec.Descriptor]*negotiation.Session) []*negotiation.Session {
	sessions := make([]*negotiation.Session, 0, len(prepared))
	for _, s := range prepared {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Codec.RTPKey() < sessions[j].Codec.RTPKey()
	})
	return sessions
}

// offerHasICE сообщает, объявлены ли в предложении кандидаты
func offerHasICE(desc *sdp.SessionDescription) bool {
	for _, md := range desc.MediaDescriptions {
		if md == nil {
			continue
		}
		if _, ok := md.Attribute("candidate"); ok {
			return true
		}
	}
	return false
}
