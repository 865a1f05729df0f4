// Package mockEngine предоставляет управляемый вручную ICE движок для тестов.
// Сбор кандидатов мгновенный, терминальное состояние и выбранные пары
// выставляет сам тест.
package mockEngine

import (
	"fmt"
	"sync"

	"github.com/arzzra/media_negotiation/pkg/ice"
)

// Engine реализует ice.Engine
type Engine struct {
	// HostAddress адрес хост кандидатов, по умолчанию локальный адрес сессии
	HostAddress string
	// CreateErr ошибка, возвращаемая CreateSession
	CreateErr error

	sessions []*Session
	mutex    sync.Mutex
}

// Проверяем, что Engine реализует ice.Engine
var _ ice.Engine = (*Engine)(nil)

// NewEngine создает движок
func NewEngine() *Engine {
	return &Engine{}
}

// CreateSession создает сессию
func (e *Engine) CreateSession(localAddress string, controlling bool) (ice.EngineSession, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.CreateErr != nil {
		return nil, e.CreateErr
	}

	host := e.HostAddress
	if host == "" {
		host = localAddress
	}

	s := &Session{
		LocalAddress: localAddress,
		Controlling:  controlling,
		host:         host,
		ufrag:        fmt.Sprintf("ufrag%d", len(e.sessions)),
		password:     fmt.Sprintf("password%016d", len(e.sessions)),
		streams:      make(map[string]*Stream),
	}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Sessions возвращает все созданные сессии
func (e *Engine) Sessions() []*Session {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	result := make([]*Session, len(e.sessions))
	copy(result, e.sessions)
	return result
}

// LastSession возвращает последнюю созданную сессию
func (e *Engine) LastSession() *Session {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Session реализует ice.EngineSession
type Session struct {
	LocalAddress string
	Controlling  bool

	host       string
	ufrag      string
	password   string
	harvesters []ice.Harvester
	streams    map[string]*Stream
	removed    []string
	listeners  []func(ice.State)
	starts     int
	freed      bool
	startErr   error
	mutex      sync.Mutex
}

func (s *Session) AddHarvester(h ice.Harvester) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.harvesters = append(s.harvesters, h)
	return nil
}

func (s *Session) CreateMediaStream(name string) (ice.EngineStream, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.streams[name]; ok {
		return nil, fmt.Errorf("поток %s уже существует", name)
	}
	stream := &Stream{name: name, host: s.host, components: make(map[int]*Component)}
	s.streams[name] = stream
	return stream, nil
}

func (s *Session) LocalCredentials() (string, string) {
	return s.ufrag, s.password
}

func (s *Session) StartConnectivity() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.starts++
	return s.startErr
}

func (s *Session) OnStateChange(fn func(ice.State)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) RemoveStream(stream ice.EngineStream) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.streams[stream.Name()]; ok {
		delete(s.streams, stream.Name())
		s.removed = append(s.removed, stream.Name())
	}
}

func (s *Session) Free() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.freed = true
	s.streams = make(map[string]*Stream)
}

// SetState сообщает слушателям новое состояние синхронно
func (s *Session) SetState(state ice.State) {
	s.mutex.Lock()
	listeners := make([]func(ice.State), len(s.listeners))
	copy(listeners, s.listeners)
	s.mutex.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

// FailStart заставляет StartConnectivity вернуть ошибку
func (s *Session) FailStart(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.startErr = err
}

// Harvesters возвращает подключенные сборщики
func (s *Session) Harvesters() []ice.Harvester {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result := make([]ice.Harvester, len(s.harvesters))
	copy(result, s.harvesters)
	return result
}

// Stream возвращает живой поток по имени
func (s *Session) Stream(name string) (*Stream, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	stream, ok := s.streams[name]
	return stream, ok
}

// StreamCount возвращает число живых потоков
func (s *Session) StreamCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.streams)
}

// Removed возвращает имена удаленных потоков в порядке удаления
func (s *Session) Removed() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result := make([]string, len(s.removed))
	copy(result, s.removed)
	return result
}

// Starts возвращает число вызовов StartConnectivity
func (s *Session) Starts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.starts
}

// Freed сообщает, была ли сессия освобождена
func (s *Session) Freed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.freed
}

// Stream реализует ice.EngineStream
type Stream struct {
	name           string
	host           string
	components     map[int]*Component
	remoteUfrag    string
	remotePassword string
	mutex          sync.Mutex
}

func (st *Stream) Name() string {
	return st.name
}

func (st *Stream) CreateComponent(transport string, preferredPort, minPort, maxPort int) (ice.EngineComponent, error) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if preferredPort < minPort || preferredPort > maxPort {
		return nil, fmt.Errorf("порт %d вне диапазона [%d, %d]", preferredPort, minPort, maxPort)
	}

	id := len(st.components) + 1
	c := &Component{
		id: id,
		local: []ice.Candidate{{
			Foundation: fmt.Sprintf("%d", id),
			Component:  id,
			Transport:  "UDP",
			Priority:   uint32(2130706432 - id),
			Address:    st.host,
			Port:       preferredPort,
			Type:       "host",
		}},
	}
	st.components[id] = c
	return c, nil
}

func (st *Stream) SetRemoteCredentials(ufrag, password string) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.remoteUfrag = ufrag
	st.remotePassword = password
	return nil
}

func (st *Stream) RemoveComponent(component ice.EngineComponent) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	delete(st.components, component.ID())
}

// RemoteCredentials возвращает установленные удаленные учетные данные
func (st *Stream) RemoteCredentials() (string, string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.remoteUfrag, st.remotePassword
}

// Component возвращает компонент по номеру
func (st *Stream) Component(id int) (*Component, bool) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	c, ok := st.components[id]
	return c, ok
}

// Component реализует ice.EngineComponent
type Component struct {
	id       int
	local    []ice.Candidate
	remote   []ice.Candidate
	selected *ice.Endpoint
	mutex    sync.Mutex
}

func (c *Component) ID() int {
	return c.id
}

func (c *Component) LocalCandidates() []ice.Candidate {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	result := make([]ice.Candidate, len(c.local))
	copy(result, c.local)
	return result
}

func (c *Component) AddRemoteCandidate(candidate ice.Candidate) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.remote = append(c.remote, candidate)
	return nil
}

func (c *Component) SelectedPair() (string, int, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.selected == nil {
		return "", 0, false
	}
	return c.selected.Address, c.selected.Port, true
}

// Select задает удаленный адрес выбранной пары
func (c *Component) Select(address string, port int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.selected = &ice.Endpoint{Address: address, Port: port}
}

// Remote возвращает переданных удаленных кандидатов
func (c *Component) Remote() []ice.Candidate {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	result := make([]ice.Candidate, len(c.remote))
	copy(result, c.remote)
	return result
}
