package media

import (
	"net"

	"github.com/arzzra/media_negotiation/pkg/codec"
)

// StreamParams параметры создания медиа потока.
// Локальные адреса описывают сокеты, которые поток должен занять,
// удаленные адреса - цель отправки RTP и RTCP.
type StreamParams struct {
	Name          string
	Codec         codec.Descriptor
	LocalData     *net.UDPAddr
	LocalControl  *net.UDPAddr
	RemoteData    *net.UDPAddr
	RemoteControl *net.UDPAddr
	Direction     Direction
}

// Stream непрозрачный дескриптор потока, выданный Engine
type Stream interface {
	Name() string
}

// Engine внешний медиа движок, который создает, запускает,
// останавливает и закрывает RTP/RTCP потоки.
type Engine interface {
	CreateStream(params StreamParams) (Stream, error)
	Start(stream Stream) error
	Stop(stream Stream) error
	Close(stream Stream) error
}

// UDPAddr собирает *net.UDPAddr из адреса и порта SDP.
// Пустой адрес трактуется как неуказанный.
func UDPAddr(address string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(address), Port: port}
}
