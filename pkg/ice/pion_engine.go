package ice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyStarted проверки связности уже запущены
	ErrAlreadyStarted = errors.New("проверки связности уже запущены")
	// ErrNoComponents в сессии нет компонентов для проверок
	ErrNoComponents = errors.New("нет компонентов для проверок связности")
)

// PionEngineConfig конфигурация движка на pion/ice
type PionEngineConfig struct {
	GatherTimeout   time.Duration // Ожидание завершения сбора кандидатов компонента
	CheckTimeout    time.Duration // Верхняя граница проверок связности
	NetworkTypes    []pion.NetworkType
	InterfaceFilter func(string) bool
	IncludeLoopback bool // Хост кандидаты на loopback, для локальных стендов
	Logger          zerolog.Logger
}

// DefaultPionEngineConfig конфигурация по умолчанию
func DefaultPionEngineConfig() PionEngineConfig {
	return PionEngineConfig{
		GatherTimeout: 3 * time.Second,
		CheckTimeout:  30 * time.Second,
		NetworkTypes:  []pion.NetworkType{pion.NetworkTypeUDP4},
		Logger:        log.Logger.With().Str("component", "pion_ice").Logger(),
	}
}

// PionEngine реализует Engine: каждый компонент обслуживает отдельный агент pion
type PionEngine struct {
	config PionEngineConfig
}

// NewPionEngine создает движок
func NewPionEngine(config PionEngineConfig) *PionEngine {
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 3 * time.Second
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 30 * time.Second
	}
	if len(config.NetworkTypes) == 0 {
		config.NetworkTypes = []pion.NetworkType{pion.NetworkTypeUDP4}
	}
	return &PionEngine{config: config}
}

// CreateSession создает сессию с общими для всех агентов учетными данными
func (e *PionEngine) CreateSession(localAddress string, controlling bool) (EngineSession, error) {
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	return &pionSession{
		engine:       e,
		localAddress: localAddress,
		controlling:  controlling,
		ufrag:        secret[:8],
		password:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		streams:      make(map[string]*pionStream),
		state:        StateIdle,
		logger:       e.config.Logger.With().Str("local_address", localAddress).Logger(),
	}, nil
}

type pionSession struct {
	engine       *PionEngine
	localAddress string
	controlling  bool
	ufrag        string
	password     string
	urls         []*stun.URI
	streams      map[string]*pionStream
	listeners    []func(State)
	state        State
	started      bool
	cancel       context.CancelFunc
	logger       zerolog.Logger
	mutex        sync.Mutex
}

func (s *pionSession) AddHarvester(h Harvester) error {
	uri, err := stun.ParseURI(h.URI)
	if err != nil {
		return fmt.Errorf("неверный URI сервера %q: %w", h.URI, err)
	}
	if h.Kind == HarvesterTURN {
		uri.Username = h.Username
		uri.Password = h.Password
	}

	s.mutex.Lock()
	s.urls = append(s.urls, uri)
	s.mutex.Unlock()
	return nil
}

func (s *pionSession) CreateMediaStream(name string) (EngineStream, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.streams[name]; ok {
		return nil, fmt.Errorf("поток %s уже существует", name)
	}
	stream := &pionStream{session: s, name: name}
	s.streams[name] = stream
	if s.state == StateIdle {
		s.state = StateHarvesting
	}
	return stream, nil
}

func (s *pionSession) LocalCredentials() (string, string) {
	return s.ufrag, s.password
}

func (s *pionSession) OnStateChange(fn func(State)) {
	s.mutex.Lock()
	s.listeners = append(s.listeners, fn)
	s.mutex.Unlock()
}

// StartConnectivity запускает проверки на всех компонентах.
// Сессия завершается успешно, когда все агенты соединены, и
// переходит в FAILED при первой ошибке или по истечении CheckTimeout.
func (s *pionSession) StartConnectivity() error {
	s.mutex.Lock()
	if s.started {
		s.mutex.Unlock()
		return ErrAlreadyStarted
	}

	var components []*pionComponent
	for _, stream := range s.streams {
		components = append(components, stream.snapshot()...)
	}
	if len(components) == 0 {
		s.mutex.Unlock()
		return ErrNoComponents
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.engine.config.CheckTimeout)
	s.started = true
	s.cancel = cancel
	s.mutex.Unlock()

	s.setState(StateChecking)

	go func() {
		defer cancel()

		var wg sync.WaitGroup
		errs := make(chan error, len(components))

		for _, component := range components {
			wg.Add(1)
			go func(component *pionComponent) {
				defer wg.Done()
				if err := component.connect(ctx, s.controlling); err != nil {
					errs <- err
					cancel()
				}
			}(component)
		}

		wg.Wait()
		close(errs)

		if err, failed := <-errs; failed {
			s.logger.Debug().Err(err).Msg("проверки связности завершились ошибкой")
			s.setState(StateFailed)
			return
		}
		s.setState(StateTerminated)
	}()

	return nil
}

func (s *pionSession) setState(state State) {
	s.mutex.Lock()
	if s.state.IsTerminal() || s.state == state {
		s.mutex.Unlock()
		return
	}
	s.state = state
	listeners := make([]func(State), len(s.listeners))
	copy(listeners, s.listeners)
	s.mutex.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (s *pionSession) RemoveStream(stream EngineStream) {
	ps, ok := stream.(*pionStream)
	if !ok {
		return
	}

	s.mutex.Lock()
	if current, ok := s.streams[ps.name]; ok && current == ps {
		delete(s.streams, ps.name)
	}
	s.mutex.Unlock()

	ps.close()
}

func (s *pionSession) Free() {
	s.mutex.Lock()
	streams := s.streams
	s.streams = make(map[string]*pionStream)
	cancel := s.cancel
	s.listeners = nil
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, stream := range streams {
		stream.close()
	}
}

type pionStream struct {
	session        *pionSession
	name           string
	components     []*pionComponent
	remoteUfrag    string
	remotePassword string
	mutex          sync.Mutex
}

func (st *pionStream) Name() string {
	return st.name
}

// CreateComponent создает агента, занимающего ровно preferredPort,
// и ждет окончания сбора кандидатов.
func (st *pionStream) CreateComponent(transport string, preferredPort, minPort, maxPort int) (EngineComponent, error) {
	if !strings.EqualFold(transport, "udp") {
		return nil, fmt.Errorf("неподдерживаемый транспорт %q", transport)
	}
	if preferredPort < minPort || preferredPort > maxPort || preferredPort > 0xFFFF {
		return nil, fmt.Errorf("порт %d вне диапазона [%d, %d]", preferredPort, minPort, maxPort)
	}

	st.mutex.Lock()
	id := len(st.components) + 1
	st.mutex.Unlock()
	if id > ComponentRTCP {
		return nil, fmt.Errorf("поток %s уже содержит компоненты RTP и RTCP", st.name)
	}

	session := st.session
	config := session.engine.config

	session.mutex.Lock()
	urls := make([]*stun.URI, len(session.urls))
	copy(urls, session.urls)
	session.mutex.Unlock()

	logger := config.Logger.With().Str("stream", st.name).Int("ice_component", id).Logger()

	agent, err := pion.NewAgent(&pion.AgentConfig{
		Urls:             urls,
		PortMin:          uint16(preferredPort),
		PortMax:          uint16(preferredPort),
		LocalUfrag:       session.ufrag,
		LocalPwd:         session.password,
		NetworkTypes:     config.NetworkTypes,
		InterfaceFilter:  config.InterfaceFilter,
		IncludeLoopback:  config.IncludeLoopback,
		MulticastDNSMode: pion.MulticastDNSModeDisabled,
		LoggerFactory:    NewLoggerFactory(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось создать ICE агента: %w", err)
	}

	component := &pionComponent{id: id, stream: st, agent: agent}
	if err := component.gather(config.GatherTimeout, logger); err != nil {
		_ = agent.Close()
		return nil, err
	}

	st.mutex.Lock()
	st.components = append(st.components, component)
	st.mutex.Unlock()

	return component, nil
}

func (st *pionStream) SetRemoteCredentials(ufrag, password string) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.remoteUfrag = ufrag
	st.remotePassword = password
	return nil
}

func (st *pionStream) credentials() (string, string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.remoteUfrag, st.remotePassword
}

func (st *pionStream) RemoveComponent(component EngineComponent) {
	pc, ok := component.(*pionComponent)
	if !ok {
		return
	}

	st.mutex.Lock()
	for i, c := range st.components {
		if c == pc {
			st.components = append(st.components[:i], st.components[i+1:]...)
			break
		}
	}
	st.mutex.Unlock()

	pc.close()
}

func (st *pionStream) snapshot() []*pionComponent {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	result := make([]*pionComponent, len(st.components))
	copy(result, st.components)
	return result
}

func (st *pionStream) close() {
	st.mutex.Lock()
	components := st.components
	st.components = nil
	st.mutex.Unlock()

	for _, component := range components {
		component.close()
	}
}

type pionComponent struct {
	id        int
	stream    *pionStream
	agent     *pion.Agent
	local     []Candidate
	closeOnce sync.Once
	mutex     sync.Mutex
}

func (c *pionComponent) ID() int {
	return c.id
}

func (c *pionComponent) gather(timeout time.Duration, logger zerolog.Logger) error {
	done := make(chan struct{})
	var once sync.Once

	err := c.agent.OnCandidate(func(candidate pion.Candidate) {
		if candidate == nil {
			once.Do(func() { close(done) })
			return
		}
		c.mutex.Lock()
		c.local = append(c.local, fromPion(candidate, c.id))
		c.mutex.Unlock()
	})
	if err != nil {
		return fmt.Errorf("не удалось подписаться на кандидатов: %w", err)
	}

	if err := c.agent.GatherCandidates(); err != nil {
		return fmt.Errorf("ошибка сбора кандидатов: %w", err)
	}

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn().Dur("timeout", timeout).Msg("сбор кандидатов не завершился вовремя")
	}
	return nil
}

func (c *pionComponent) LocalCandidates() []Candidate {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	result := make([]Candidate, len(c.local))
	copy(result, c.local)
	return result
}

func (c *pionComponent) AddRemoteCandidate(candidate Candidate) error {
	remote, err := candidate.toPion()
	if err != nil {
		return err
	}
	return c.agent.AddRemoteCandidate(remote)
}

func (c *pionComponent) SelectedPair() (string, int, bool) {
	pair, err := c.agent.GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Remote == nil {
		return "", 0, false
	}
	return pair.Remote.Address(), pair.Remote.Port(), true
}

func (c *pionComponent) connect(ctx context.Context, controlling bool) error {
	ufrag, password := c.stream.credentials()
	if ufrag == "" || password == "" {
		return fmt.Errorf("для потока %s не заданы удаленные учетные данные", c.stream.name)
	}

	var err error
	if controlling {
		_, err = c.agent.Dial(ctx, ufrag, password)
	} else {
		_, err = c.agent.Accept(ctx, ufrag, password)
	}
	if err != nil {
		return fmt.Errorf("компонент %d потока %s: %w", c.id, c.stream.name, err)
	}
	return nil
}

func (c *pionComponent) close() {
	c.closeOnce.Do(func() {
		_ = c.agent.Close()
	})
}
