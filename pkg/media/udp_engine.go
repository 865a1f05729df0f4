package media

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize   = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize   = 1500 // Максимальный размер (MTU limit)
	ExpectedRTPVersion = 2
)

var (
	// ErrStreamClosed операция над закрытым потоком
	ErrStreamClosed = errors.New("поток закрыт")
	// ErrUnknownStream поток создан другим движком
	ErrUnknownStream = errors.New("поток не принадлежит движку")
)

// StreamStats счетчики потока
type StreamStats struct {
	RTPPacketsReceived  uint64
	RTPBytesReceived    uint64
	RTPPacketsSent      uint64
	RTCPPacketsReceived uint64
	RTCPPacketsSent     uint64
	InvalidPackets      uint64
	LastSSRC            uint32
	LastSequence        uint16
}

// UDPEngineConfig конфигурация UDP движка
type UDPEngineConfig struct {
	BufferSize int // Размер буфера чтения
	DSCP       int // DSCP маркировка, 0 - не выставлять
	Logger     zerolog.Logger
}

// DefaultUDPEngineConfig конфигурация по умолчанию
func DefaultUDPEngineConfig() UDPEngineConfig {
	return UDPEngineConfig{
		BufferSize: MaxRTPPacketSize,
		DSCP:       46, // EF для голоса
		Logger:     log.Logger.With().Str("component", "udp_engine").Logger(),
	}
}

// UDPEngine реализует Engine поверх пары UDP сокетов на поток.
// Принятые RTP и RTCP пакеты разбираются и учитываются в статистике.
type UDPEngine struct {
	config  UDPEngineConfig
	logger  zerolog.Logger
	streams map[string]*udpStream
	mutex   sync.Mutex
}

// NewUDPEngine создает UDP движок
func NewUDPEngine(config UDPEngineConfig) *UDPEngine {
	if config.BufferSize == 0 {
		config.BufferSize = MaxRTPPacketSize
	}
	return &UDPEngine{
		config:  config,
		logger:  config.Logger,
		streams: make(map[string]*udpStream),
	}
}

type udpStream struct {
	name        string
	params      StreamParams
	dataConn    *net.UDPConn
	controlConn *net.UDPConn

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	rtpReceived  atomic.Uint64
	rtpBytes     atomic.Uint64
	rtpSent      atomic.Uint64
	rtcpReceived atomic.Uint64
	rtcpSent     atomic.Uint64
	invalid      atomic.Uint64
	lastSSRC     atomic.Uint32
	lastSequence atomic.Uint32
}

func (s *udpStream) Name() string {
	return s.name
}

// CreateStream занимает локальные сокеты потока. Прием не запускается до Start.
func (e *UDPEngine) CreateStream(params StreamParams) (Stream, error) {
	if params.LocalData == nil || params.LocalControl == nil {
		return nil, fmt.Errorf("не указаны локальные адреса потока %s", params.Name)
	}

	dataConn, err := e.listen(params.LocalData)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания RTP сокета: %w", err)
	}

	controlConn, err := e.listen(params.LocalControl)
	if err != nil {
		dataConn.Close()
		return nil, fmt.Errorf("ошибка создания RTCP сокета: %w", err)
	}

	s := &udpStream{
		name:        params.Name,
		params:      params,
		dataConn:    dataConn,
		controlConn: controlConn,
	}

	e.mutex.Lock()
	e.streams[params.Name] = s
	e.mutex.Unlock()

	e.logger.Debug().
		Str("stream", params.Name).
		Str("codec", params.Codec.RTPKey()).
		Str("local_rtp", dataConn.LocalAddr().String()).
		Str("local_rtcp", controlConn.LocalAddr().String()).
		Str("direction", params.Direction.String()).
		Msg("поток создан")

	return s, nil
}

func (e *UDPEngine) listen(addr *net.UDPAddr) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	if err := setSockOptForVoice(conn, e.config.DSCP); err != nil {
		// не критично: в контейнерах опции часто недоступны
		e.logger.Debug().Err(err).Msg("не удалось настроить сокет для голоса")
	}

	return conn, nil
}

func (e *UDPEngine) lookup(stream Stream) (*udpStream, error) {
	s, ok := stream.(*udpStream)
	if !ok || s == nil {
		return nil, ErrUnknownStream
	}
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	return s, nil
}

// Start запускает циклы приема RTP и RTCP
func (e *UDPEngine) Start(stream Stream) error {
	s, err := e.lookup(stream)
	if err != nil {
		return err
	}

	if !s.running.CompareAndSwap(false, true) {
		return nil
	}

	// сбрасываем дедлайн после возможного предыдущего Stop
	_ = s.dataConn.SetReadDeadline(time.Time{})
	_ = s.controlConn.SetReadDeadline(time.Time{})

	s.wg.Add(2)
	go e.receiveRTP(s)
	go e.receiveRTCP(s)

	return nil
}

// Stop останавливает прием, сокеты остаются занятыми до Close
func (e *UDPEngine) Stop(stream Stream) error {
	s, err := e.lookup(stream)
	if err != nil {
		return err
	}

	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	// будим заблокированные ReadFrom
	now := time.Now()
	_ = s.dataConn.SetReadDeadline(now)
	_ = s.controlConn.SetReadDeadline(now)
	s.wg.Wait()

	return nil
}

// Close освобождает сокеты потока. Повторный вызов безопасен.
func (e *UDPEngine) Close(stream Stream) error {
	s, ok := stream.(*udpStream)
	if !ok || s == nil {
		return ErrUnknownStream
	}

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.running.CompareAndSwap(true, false) {
		now := time.Now()
		_ = s.dataConn.SetReadDeadline(now)
		_ = s.controlConn.SetReadDeadline(now)
	}

	errData := s.dataConn.Close()
	errControl := s.controlConn.Close()
	s.wg.Wait()

	e.mutex.Lock()
	delete(e.streams, s.name)
	e.mutex.Unlock()

	return errors.Join(errData, errControl)
}

// WriteRTP отправляет RTP пакет удаленной стороне, если направление позволяет
func (e *UDPEngine) WriteRTP(stream Stream, packet *rtp.Packet) error {
	s, err := e.lookup(stream)
	if err != nil {
		return err
	}
	if !s.params.Direction.CanSend() {
		return fmt.Errorf("направление %s не допускает отправку", s.params.Direction)
	}
	if s.params.RemoteData == nil || s.params.RemoteData.Port == 0 {
		return fmt.Errorf("удаленный RTP адрес не задан")
	}

	raw, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}

	if _, err := s.dataConn.WriteToUDP(raw, s.params.RemoteData); err != nil {
		return fmt.Errorf("ошибка отправки RTP пакета: %w", err)
	}
	s.rtpSent.Add(1)
	return nil
}

// WriteRTCP отправляет составной RTCP пакет
func (e *UDPEngine) WriteRTCP(stream Stream, packets []rtcp.Packet) error {
	s, err := e.lookup(stream)
	if err != nil {
		return err
	}
	if s.params.RemoteControl == nil || s.params.RemoteControl.Port == 0 {
		return fmt.Errorf("удаленный RTCP адрес не задан")
	}

	raw, err := rtcp.Marshal(packets)
	if err != nil {
		return fmt.Errorf("ошибка сериализации RTCP: %w", err)
	}

	if _, err := s.controlConn.WriteToUDP(raw, s.params.RemoteControl); err != nil {
		return fmt.Errorf("ошибка отправки RTCP: %w", err)
	}
	s.rtcpSent.Add(1)
	return nil
}

// Stats возвращает снимок счетчиков потока
func (e *UDPEngine) Stats(stream Stream) (StreamStats, error) {
	s, ok := stream.(*udpStream)
	if !ok || s == nil {
		return StreamStats{}, ErrUnknownStream
	}
	return StreamStats{
		RTPPacketsReceived:  s.rtpReceived.Load(),
		RTPBytesReceived:    s.rtpBytes.Load(),
		RTPPacketsSent:      s.rtpSent.Load(),
		RTCPPacketsReceived: s.rtcpReceived.Load(),
		RTCPPacketsSent:     s.rtcpSent.Load(),
		InvalidPackets:      s.invalid.Load(),
		LastSSRC:            s.lastSSRC.Load(),
		LastSequence:        uint16(s.lastSequence.Load()),
	}, nil
}

// LocalAddrs возвращает фактически занятые адреса потока
func (e *UDPEngine) LocalAddrs(stream Stream) (data, control *net.UDPAddr, err error) {
	s, ok := stream.(*udpStream)
	if !ok || s == nil {
		return nil, nil, ErrUnknownStream
	}
	return s.dataConn.LocalAddr().(*net.UDPAddr), s.controlConn.LocalAddr().(*net.UDPAddr), nil
}

func (e *UDPEngine) receiveRTP(s *udpStream) {
	defer s.wg.Done()

	buf := make([]byte, e.config.BufferSize)
	for s.running.Load() {
		n, _, err := s.dataConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !s.params.Direction.CanReceive() {
			continue
		}
		if n < MinRTPPacketSize {
			s.invalid.Add(1)
			continue
		}

		var packet rtp.Packet
		if err := packet.Unmarshal(buf[:n]); err != nil || packet.Version != ExpectedRTPVersion {
			s.invalid.Add(1)
			continue
		}

		s.rtpReceived.Add(1)
		s.rtpBytes.Add(uint64(len(packet.Payload)))
		s.lastSSRC.Store(packet.SSRC)
		s.lastSequence.Store(uint32(packet.SequenceNumber))
	}
}

func (e *UDPEngine) receiveRTCP(s *udpStream) {
	defer s.wg.Done()

	buf := make([]byte, e.config.BufferSize)
	for s.running.Load() {
		n, _, err := s.controlConn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			s.invalid.Add(1)
			continue
		}

		s.rtcpReceived.Add(uint64(len(packets)))
		for _, p := range packets {
			if sr, ok := p.(*rtcp.SenderReport); ok {
				s.lastSSRC.Store(sr.SSRC)
			}
		}
	}
}
