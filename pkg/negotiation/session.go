package negotiation

import (
	"fmt"
	"sync"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/ice"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
)

// CallRole роль стороны в обмене offer/answer
type CallRole int

const (
	RoleCaller CallRole = iota // Сторона, построившая предложение
	RoleCallee                 // Сторона, принявшая предложение
)

func (r CallRole) String() string {
	switch r {
	case RoleCaller:
		return "CALLER"
	case RoleCallee:
		return "CALLEE"
	default:
		return "UNKNOWN"
	}
}

// Session подготовленный медиа поток: согласованный кодек и адреса обеих сторон.
// Удаленный адрес может быть один раз заменен выбранной ICE парой.
type Session struct {
	Codec         codec.Descriptor
	LocalData     ice.Endpoint
	LocalControl  ice.Endpoint
	RemoteData    ice.Endpoint
	RemoteControl ice.Endpoint
	Direction     media.Direction

	// Stream дескриптор, выданный медиа движком
	Stream media.Stream

	resolvedByICE bool
	applied       bool
	mutex         sync.Mutex
}

// newSession ориентирует пару ConnectionInfo по роли:
// у вызывающей стороны локальна сторона предложения, у вызываемой - ответа.
func newSession(d codec.Descriptor, role CallRole, offer, answer media_sdp.ConnectionInfo) *Session {
	local, remote := offer, answer
	if role == RoleCallee {
		local, remote = answer, offer
	}

	return &Session{
		Codec:         d,
		LocalData:     ice.Endpoint{Address: local.DataAddress, Port: local.DataPort},
		LocalControl:  ice.Endpoint{Address: local.ControlAddress, Port: local.ControlPort},
		RemoteData:    ice.Endpoint{Address: remote.DataAddress, Port: remote.DataPort},
		RemoteControl: ice.Endpoint{Address: remote.ControlAddress, Port: remote.ControlPort},
		Direction:     local.Direction,
	}
}

// ApplyOutcome применяет терминальный результат ICE не более одного раза.
// При отказе остаются адреса из SDP. Возвращает false для повторного вызова.
func (s *Session) ApplyOutcome(outcome ice.Outcome) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.applied {
		return false
	}
	s.applied = true

	if outcome.Succeeded() {
		s.RemoteData = outcome.Data
		s.RemoteControl = outcome.Control
		s.resolvedByICE = true
	}
	return true
}

// ResolvedByICE сообщает, что удаленный адрес выбран ICE
func (s *Session) ResolvedByICE() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.resolvedByICE
}

// Rejected сообщает, что удаленная сторона отклонила поток портом 0
func (s *Session) Rejected() bool {
	return s.RemoteData.Port == 0
}

// StreamParams параметры создания потока в медиа движке
func (s *Session) StreamParams(name string) media.StreamParams {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return media.StreamParams{
		Name:          name,
		Codec:         s.Codec,
		LocalData:     media.UDPAddr(s.LocalData.Address, s.LocalData.Port),
		LocalControl:  media.UDPAddr(s.LocalControl.Address, s.LocalControl.Port),
		RemoteData:    media.UDPAddr(s.RemoteData.Address, s.RemoteData.Port),
		RemoteControl: media.UDPAddr(s.RemoteControl.Address, s.RemoteControl.Port),
		Direction:     s.Direction,
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d %s",
		s.Codec.RTPKey(), s.LocalData.Address, s.LocalData.Port,
		s.RemoteData.Address, s.RemoteData.Port, s.Direction)
}
