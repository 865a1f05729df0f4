package main

import (
	"strings"

	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/session"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
)

const statusNotAcceptableHere sip.StatusCode = 488

// agent SIP UAS: INVITE с предложением получает ответ SDP,
// ACK запускает медиа, BYE завершает сессию.
type agent struct {
	manager      *session.Manager
	engine       media.Engine
	mediaAddress string
	logger       zerolog.Logger
}

func newAgent(manager *session.Manager, engine media.Engine, mediaAddress string, logger zerolog.Logger) *agent {
	return &agent{
		manager:      manager,
		engine:       engine,
		mediaAddress: mediaAddress,
		logger:       logger,
	}
}

// register регистрирует обработчики входящих запросов
func (a *agent) register(server *sipgo.Server) {
	server.OnInvite(a.onInvite)
	server.OnAck(a.onAck)
	server.OnBye(a.onBye)
	server.OnOptions(a.onOptions)
}

func (a *agent) respond(tx sip.ServerTransaction, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		a.logger.Error().Err(err).Int("status", int(res.StatusCode)).Msg("ошибка отправки ответа")
	}
}

func (a *agent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Call-ID отсутствует", nil))
		return
	}
	logger := a.logger.With().Str("call_id", callID.Value()).Logger()

	if len(req.Body()) == 0 {
		logger.Warn().Msg("INVITE без предложения не поддерживается")
		a.respond(tx, sip.NewResponseFromRequest(req, statusNotAcceptableHere, "Offer Required", nil))
		return
	}

	offer := &sdp.SessionDescription{}
	if err := offer.Unmarshal(req.Body()); err != nil {
		logger.Warn().Err(err).Msg("некорректное предложение SDP")
		a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Malformed SDP", nil))
		return
	}

	answer := a.manager.GenerateAnswer(callID.Value(), session.SessionTypeRegular, offer, a.mediaAddress)
	if answer == nil {
		a.respond(tx, sip.NewResponseFromRequest(req, statusNotAcceptableHere, "Not Acceptable Here", nil))
		return
	}

	body, err := answer.Marshal()
	if err != nil {
		logger.Error().Err(err).Msg("не удалось сериализовать ответ SDP")
		a.manager.PerformSessionTermination(callID.Value(), session.SessionTypeRegular)
		a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", nil))
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); !ok || tag == "" {
			to.Params = to.Params.Add("tag", strings.ReplaceAll(uuid.NewString(), "-", ""))
		}
	}

	logger.Info().Msg("INVITE принят")
	a.respond(tx, res)
}

func (a *agent) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		return
	}
	if !a.manager.PerformSessionSetup(callID.Value(), session.SessionTypeRegular, a.engine) {
		a.logger.Warn().Str("call_id", callID.Value()).Msg("медиа запущено не полностью")
	}
}

func (a *agent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Call-ID отсутствует", nil))
		return
	}
	a.manager.PerformSessionTermination(callID.Value(), session.SessionTypeRegular)
	a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

func (a *agent) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

// terminateAll завершает все сессии при остановке
func (a *agent) terminateAll() {
	for _, key := range a.manager.Store().Keys() {
		a.manager.PerformSessionTermination(key.CallID, key.Type)
	}
}
