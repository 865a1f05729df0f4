// Package negotiation сопоставляет ответ SDP с предложением и готовит
// медиа сессии. Строки без ICE готовы сразу, строки с ICE ждут
// терминального результата проверок связности.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/ice"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMissingDocument не передано предложение или ответ
	ErrMissingDocument = errors.New("предложение и ответ обязательны")
	// ErrOfferLineMissing строка ответа не нашлась в предложении
	ErrOfferLineMissing = errors.New("строка ответа отсутствует в предложении")
)

// Request входные данные одного согласования
type Request struct {
	// Key ключ ICE сессии вызова
	Key    string
	Role   CallRole
	Offer  *sdp.SessionDescription
	Answer *sdp.SessionDescription
	// OnResolved вызывается из горутины ICE для строк, ожидавших проверок
	OnResolved func(*Session)
}

// LineResult итог согласования одной строки ответа
type LineResult struct {
	RTPKey string
	State  string
	Err    error
}

// Result итог согласования
type Result struct {
	// Prepared сессии, готовые сразу
	Prepared []*Session
	// AwaitingICE число строк, ожидающих ICE
	AwaitingICE int
	Lines       []LineResult
	// Errors ошибки отдельных строк при извлечении
	Errors []error
	// Failed документ не удалось прочитать целиком
	Failed error
}

// Config конфигурация Negotiator
type Config struct {
	Registry *codec.Registry
	// Coordinator nil отключает ICE
	Coordinator *ice.Coordinator
	Logger      zerolog.Logger
}

// DefaultConfig конфигурация по умолчанию: реестр по умолчанию, ICE отключен
func DefaultConfig() Config {
	return Config{
		Registry: codec.DefaultRegistry(),
		Logger:   log.Logger.With().Str("component", "negotiator").Logger(),
	}
}

// Negotiator выполняет согласование offer/answer
type Negotiator struct {
	matcher     *codec.Matcher
	coordinator *ice.Coordinator
	logger      zerolog.Logger
}

// NewNegotiator создает Negotiator
func NewNegotiator(config Config) *Negotiator {
	registry := config.Registry
	if registry == nil {
		registry = codec.DefaultRegistry()
	}
	return &Negotiator{
		matcher:     codec.NewMatcher(registry),
		coordinator: config.Coordinator,
		logger:      config.Logger,
	}
}

// perspectives возвращает перспективы извлечения предложения и ответа
func perspectives(role CallRole) (offer, answer media_sdp.Perspective) {
	if role == RoleCaller {
		return media_sdp.PerspectiveLocal, media_sdp.PerspectiveRemote
	}
	return media_sdp.PerspectiveRemote, media_sdp.PerspectiveLocal
}

// Negotiate извлекает строки ответа, для каждой ищет совпадение в предложении
// и готовит Session.
//
// Порядок для каждой строки ответа:
//   - предложение извлекается повторно только для rtpKey строки
//   - кодек сопоставляется с реестром, несовпадение отбрасывает строку
//   - строка без ICE с любой из сторон сразу попадает в Result.Prepared,
//     ее ICE поток освобождается
//   - для строки с ICE регистрируется слушатель, Session получает
//     выбранную пару или сохраняет адреса SDP и передается в OnResolved
//
// Локальный документ для CALLER предложение, для CALLEE ответ. После обхода
// всех строк проверки связности запускаются один раз. Нечитаемый ответ
// возвращается в Result.Failed и сбрасывает ICE сессию ключа.
func (n *Negotiator) Negotiate(req Request) Result {
	var result Result

	if req.Offer == nil || req.Answer == nil {
		result.Failed = ErrMissingDocument
		return result
	}

	logger := n.logger.With().
		Str("key", req.Key).
		Str("role", req.Role.String()).
		Logger()

	var binder media_sdp.Binder
	if n.coordinator != nil && n.coordinator.HasSession(req.Key) {
		binder = n.coordinator.Binder(req.Key)
	}

	offerPerspective, answerPerspective := perspectives(req.Role)
	observer := n.observer(logger)

	answer := media_sdp.Extract(req.Answer, media_sdp.Options{
		Perspective: answerPerspective,
		Binder:      binder,
	}, observer)
	result.Errors = append(result.Errors, answer.Errors...)

	if answer.Failed != nil {
		result.Failed = fmt.Errorf("ответ не прочитан: %w", answer.Failed)
		logger.Warn().Err(answer.Failed).Msg("согласование прервано")
		if binder != nil {
			n.coordinator.Discard(req.Key)
		}
		return result
	}

	for _, info := range answer.Extracted {
		line := n.negotiateLine(req, info, offerPerspective, binder, observer, logger, &result)
		result.Lines = append(result.Lines, line)
	}

	if binder != nil {
		n.coordinator.StartConnectivity(req.Key)
	}

	logger.Info().
		Int("prepared", len(result.Prepared)).
		Int("awaiting_ice", result.AwaitingICE).
		Int("lines", len(result.Lines)).
		Msg("согласование выполнено")

	return result
}

func (n *Negotiator) negotiateLine(
	req Request,
	answerInfo media_sdp.ConnectionInfo,
	offerPerspective media_sdp.Perspective,
	binder media_sdp.Binder,
	observer media_sdp.Observer,
	logger zerolog.Logger,
	result *Result,
) LineResult {
	machine := newLineMachine(answerInfo.RTPKey, logger)
	line := LineResult{RTPKey: answerInfo.RTPKey}

	drop := func(event string, err error) LineResult {
		machine.advance(event)
		line.State = machine.State()
		line.Err = err
		if binder != nil {
			n.coordinator.Release(req.Key, answerInfo.StreamName())
		}
		logger.Warn().Err(err).Str("rtp_key", answerInfo.RTPKey).Msg("строка отброшена")
		return line
	}

	machine.advance(EventAnswerExtracted)

	offer := media_sdp.Extract(req.Offer, media_sdp.Options{
		Perspective: offerPerspective,
		RTPKey:      answerInfo.RTPKey,
		Binder:      binder,
	}, observer)
	result.Errors = append(result.Errors, offer.Errors...)

	if offer.Failed != nil {
		return drop(EventAbort, fmt.Errorf("предложение не прочитано: %w", offer.Failed))
	}

	d, err := n.matcher.Match(answerInfo.RTPKey, offer.Keys())
	if err != nil {
		return drop(EventMismatch, err)
	}

	offerInfo, ok := findLine(offer.Extracted, answerInfo.RTPKey)
	if !ok {
		return drop(EventMismatch, fmt.Errorf("%w: %s", ErrOfferLineMissing, answerInfo.RTPKey))
	}

	session := newSession(d, req.Role, offerInfo, answerInfo)
	stream := answerInfo.StreamName()

	useICE := binder != nil &&
		offerInfo.PeerSupportsICE &&
		answerInfo.PeerSupportsICE &&
		binder.HasStream(stream)

	if !useICE {
		machine.advance(EventMatched)
		if binder != nil {
			n.coordinator.Release(req.Key, stream)
		}
		result.Prepared = append(result.Prepared, session)
		line.State = machine.State()
		return line
	}

	machine.advance(EventMatchedWithICE)

	err = n.coordinator.AwaitOutcome(req.Key, stream, func(outcome ice.Outcome) {
		if !session.ApplyOutcome(outcome) {
			return
		}
		machine.advance(EventICEResolved)

		logger.Info().
			Str("rtp_key", answerInfo.RTPKey).
			Str("ice_state", outcome.State.String()).
			Bool("resolved_by_ice", session.ResolvedByICE()).
			Msg("ICE завершен для строки")

		if req.OnResolved != nil {
			req.OnResolved(session)
		}
	})
	if err != nil {
		// Поток исчез раньше регистрации, остаются адреса SDP
		logger.Warn().Err(err).Str("rtp_key", answerInfo.RTPKey).Msg("ICE недоступен, используются адреса SDP")
		machine.advance(EventICEResolved)
		result.Prepared = append(result.Prepared, session)
		line.State = machine.State()
		return line
	}

	result.AwaitingICE++
	line.State = StateAwaitingICE
	return line
}

func findLine(lines []media_sdp.ConnectionInfo, rtpKey string) (media_sdp.ConnectionInfo, bool) {
	for _, info := range lines {
		if codec.EqualKeys(info.RTPKey, rtpKey) {
			return info, true
		}
	}
	return media_sdp.ConnectionInfo{}, false
}

func (n *Negotiator) observer(logger zerolog.Logger) media_sdp.Observer {
	return media_sdp.ObserverFuncs{
		Ignored: func(rtpKey string, payloadType uint8) {
			logger.Debug().
				Str("rtp_key", rtpKey).
				Uint8("payload_type", payloadType).
				Msg("строка без адреса подключения пропущена")
		},
		PartiallyFailed: func(err error) {
			logger.Warn().Err(err).Msg("ошибка строки SDP")
		},
		FailedCompletely: func(err error) {
			logger.Error().Err(err).Msg("документ SDP не прочитан")
		},
	}
}
