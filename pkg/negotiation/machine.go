package negotiation

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Состояния согласования одной медиа строки
const (
	StateAwaitingAnswerExtraction = "awaiting_answer_extraction"
	StateAwaitingOfferExtraction  = "awaiting_offer_extraction"
	StateAwaitingICE              = "awaiting_ice"
	StateReady                    = "ready"
	StateDropped                  = "dropped"
)

// События машины состояний строки
const (
	EventAnswerExtracted = "answer_extracted"
	EventMatched         = "matched"
	EventMatchedWithICE  = "matched_with_ice"
	EventMismatch        = "mismatch"
	EventICEResolved     = "ice_resolved"
	EventAbort           = "abort"
)

// lineMachine машина состояний одной строки ответа.
// Переходы задаются таблицей, побочные эффекты выполняет Negotiator.
type lineMachine struct {
	rtpKey  string
	machine *fsm.FSM
	logger  zerolog.Logger
}

func newLineMachine(rtpKey string, logger zerolog.Logger) *lineMachine {
	m := &lineMachine{
		rtpKey: rtpKey,
		logger: logger,
	}

	m.machine = fsm.NewFSM(
		StateAwaitingAnswerExtraction,
		fsm.Events{
			// Строка ответа прочитана, ищем ее в предложении
			{Name: EventAnswerExtracted, Src: []string{StateAwaitingAnswerExtraction}, Dst: StateAwaitingOfferExtraction},
			{Name: EventMatched, Src: []string{StateAwaitingOfferExtraction}, Dst: StateReady},
			{Name: EventMatchedWithICE, Src: []string{StateAwaitingOfferExtraction}, Dst: StateAwaitingICE},
			{Name: EventMismatch, Src: []string{StateAwaitingOfferExtraction}, Dst: StateDropped},
			// Терминальный результат ICE, успешный или нет
			{Name: EventICEResolved, Src: []string{StateAwaitingICE}, Dst: StateReady},
			{Name: EventAbort, Src: []string{StateAwaitingAnswerExtraction, StateAwaitingOfferExtraction, StateAwaitingICE}, Dst: StateDropped},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				m.logger.Debug().
					Str("rtp_key", m.rtpKey).
					Str("event", e.Event).
					Str("from", e.Src).
					Str("to", e.Dst).
					Msg("переход строки согласования")
			},
		},
	)

	return m
}

// fire выполняет переход, недопустимое событие возвращает ошибку
func (m *lineMachine) fire(event string) error {
	return m.machine.Event(context.Background(), event)
}

// advance выполняет переход и сообщает о недопустимом событии.
// NoTransitionError не является ошибкой: состояние уже целевое.
func (m *lineMachine) advance(event string) {
	err := m.fire(event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	m.logger.Warn().
		Err(err).
		Str("rtp_key", m.rtpKey).
		Str("event", event).
		Str("state", m.State()).
		Msg("недопустимый переход строки согласования")
}

// State текущее состояние строки
func (m *lineMachine) State() string {
	return m.machine.Current()
}
