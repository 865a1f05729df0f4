package ice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownSession ICE сессия для ключа не создана или уже освобождена
	ErrUnknownSession = errors.New("ICE сессия не найдена")
	// ErrUnknownStream в сессии нет потока с таким именем
	ErrUnknownStream = errors.New("ICE поток не найден")
	// ErrListenerRegistered слушатель потока уже зарегистрирован
	ErrListenerRegistered = errors.New("слушатель ICE потока уже зарегистрирован")
)

// Endpoint транспортный адрес
type Endpoint struct {
	Address string
	Port    int
}

// Outcome терминальный результат для одного медиа потока.
// Data и Control заполнены только при State == StateTerminated.
type Outcome struct {
	Stream  string
	State   State
	Data    Endpoint
	Control Endpoint
}

// Succeeded сообщает, что выбраны пары для обоих компонентов
func (o Outcome) Succeeded() bool {
	return o.State == StateTerminated && o.Data.Port != 0
}

// Config конфигурация координатора
type Config struct {
	STUNServers []string
	TURNServers []Harvester
	MinPort     int
	MaxPort     int
	Logger      zerolog.Logger
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		STUNServers: []string{"stun:stun4.l.google.com:19302"},
		MinPort:     media.DefaultMinPort,
		MaxPort:     media.DefaultMaxPort,
		Logger:      log.Logger.With().Str("component", "ice_coordinator").Logger(),
	}
}

type streamEntry struct {
	handle     EngineStream
	ports      media.PortPair
	components map[int]EngineComponent
	remote     map[candidateKey]bool
	listener   func(Outcome)
}

type sessionEntry struct {
	id      string
	handle  EngineSession
	address string
	streams map[string]*streamEntry
	state   State
	started bool
}

// Coordinator управляет ICE сессиями, по одной на ключ согласования
//
// Жизненный цикл сессии:
//   - Prepare создает сессию движка и добавляет STUN/TURN харвестеры
//   - Transports выдает транспорт строки: поток с компонентами RTP и RTCP
//     на портах из пула, локальные кандидаты и учетные данные
//   - Binder передает удаленные учетные данные и кандидатов из SDP
//   - StartConnectivity запускает проверки один раз, потоки без слушателя
//     освобождаются до старта
//   - AwaitOutcome доставляет терминальный результат потока один раз,
//     после освобождения его компонентов
//   - Release и Discard освобождают поток или сессию без результата
//
// Все методы безопасны для конкурентного вызова. Слушатели вызываются
// вне мьютекса координатора.
type Coordinator struct {
	engine   Engine
	config   Config
	logger   zerolog.Logger
	sessions map[string]*sessionEntry
	mutex    sync.Mutex
}

// NewCoordinator создает координатор поверх движка
func NewCoordinator(engine Engine, config Config) *Coordinator {
	return &Coordinator{
		engine:   engine,
		config:   config,
		logger:   config.Logger,
		sessions: make(map[string]*sessionEntry),
	}
}

// Prepare лениво создает ICE сессию и подключает сборщики кандидатов
// до создания первого потока.
func (c *Coordinator) Prepare(id, localAddress string, controlling bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.sessions[id]; ok {
		return nil
	}

	handle, err := c.engine.CreateSession(localAddress, controlling)
	if err != nil {
		return fmt.Errorf("не удалось создать ICE сессию: %w", err)
	}

	for _, uri := range c.config.STUNServers {
		if err := handle.AddHarvester(Harvester{Kind: HarvesterSTUN, URI: uri}); err != nil {
			c.logger.Warn().Err(err).Str("uri", uri).Msg("STUN сервер пропущен")
		}
	}
	for _, turn := range c.config.TURNServers {
		turn.Kind = HarvesterTURN
		if err := handle.AddHarvester(turn); err != nil {
			c.logger.Warn().Err(err).Str("uri", turn.URI).Msg("TURN сервер пропущен")
		}
	}

	entry := &sessionEntry{
		id:      id,
		handle:  handle,
		address: localAddress,
		streams: make(map[string]*streamEntry),
		state:   StateIdle,
	}
	c.sessions[id] = entry

	handle.OnStateChange(func(state State) {
		c.onStateChange(entry, state)
	})

	c.logger.Debug().
		Str("session", id).
		Bool("controlling", controlling).
		Msg("ICE сессия создана")

	return nil
}

// HasSession сообщает, существует ли сессия
func (c *Coordinator) HasSession(id string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.sessions[id]
	return ok
}

// HasStream сообщает, существует ли поток в сессии
func (c *Coordinator) HasStream(id, stream string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.sessions[id]
	if !ok {
		return false
	}
	_, ok = entry.streams[stream]
	return ok
}

// State возвращает состояние сессии
func (c *Coordinator) State(id string) (State, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.sessions[id]
	if !ok {
		return StateIdle, false
	}
	return entry.state, true
}

// Transports возвращает провайдер транспорта, который на каждый кодек
// создает ICE поток с двумя компонентами на зарезервированной паре портов.
func (c *Coordinator) Transports(id string, ports *media_sdp.PoolTransports) media_sdp.TransportProvider {
	return &iceTransports{coordinator: c, id: id, ports: ports}
}

type iceTransports struct {
	coordinator *Coordinator
	id          string
	ports       *media_sdp.PoolTransports
}

func (t *iceTransports) Reserve(d codec.Descriptor) (media_sdp.LocalTransport, error) {
	name := d.StreamName()

	if transport, ok := t.coordinator.localTransport(t.id, name); ok {
		return transport, nil
	}

	pair, err := t.ports.ReservePair()
	if err != nil {
		return media_sdp.LocalTransport{}, fmt.Errorf("не удалось выделить порты для %s: %w", d.RTPKey(), err)
	}

	if err := t.coordinator.createStream(t.id, name, pair); err != nil {
		return media_sdp.LocalTransport{}, err
	}

	transport, ok := t.coordinator.localTransport(t.id, name)
	if !ok {
		return media_sdp.LocalTransport{}, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return transport, nil
}

func (c *Coordinator) createStream(id, name string, pair media.PortPair) error {
	c.mutex.Lock()
	entry, ok := c.sessions[id]
	c.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	stream, err := entry.handle.CreateMediaStream(name)
	if err != nil {
		return fmt.Errorf("не удалось создать ICE поток %s: %w", name, err)
	}

	se := &streamEntry{
		handle:     stream,
		ports:      pair,
		components: make(map[int]EngineComponent, 2),
		remote:     make(map[candidateKey]bool),
	}

	for _, port := range []int{pair.Data, pair.Control} {
		component, err := stream.CreateComponent("udp", port, c.config.MinPort, c.config.MaxPort)
		if err != nil {
			entry.handle.RemoveStream(stream)
			return fmt.Errorf("не удалось создать компонент потока %s на порту %d: %w", name, port, err)
		}
		se.components[component.ID()] = component
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if current, ok := c.sessions[id]; !ok || current != entry {
		entry.handle.RemoveStream(stream)
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	entry.streams[name] = se
	if entry.state == StateIdle {
		entry.state = StateHarvesting
	}

	return nil
}

// localTransport описывает поток для SDP: хост кандидаты компонентов,
// все локальные кандидаты и учетные данные сессии.
func (c *Coordinator) localTransport(id, name string) (media_sdp.LocalTransport, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.sessions[id]
	if !ok {
		return media_sdp.LocalTransport{}, false
	}
	se, ok := entry.streams[name]
	if !ok {
		return media_sdp.LocalTransport{}, false
	}

	transport := media_sdp.LocalTransport{DataPort: se.ports.Data, ControlPort: se.ports.Control}
	transport.Ufrag, transport.Password = entry.handle.LocalCredentials()

	for _, componentID := range []int{ComponentRTP, ComponentRTCP} {
		component, ok := se.components[componentID]
		if !ok {
			continue
		}
		candidates := component.LocalCandidates()
		for _, candidate := range candidates {
			transport.Candidates = append(transport.Candidates, candidate.Marshal())
		}

		host, ok := preferredHost(candidates, entry.address)
		if !ok {
			continue
		}
		if componentID == ComponentRTP {
			transport.DataAddress, transport.DataPort = host.Address, host.Port
		} else {
			transport.ControlAddress, transport.ControlPort = host.Address, host.Port
		}
	}

	return transport, true
}

// preferredHost выбирает хост кандидата на локальном адресе, иначе первого хост кандидата
func preferredHost(candidates []Candidate, localAddress string) (Candidate, bool) {
	var first *Candidate
	for i := range candidates {
		if candidates[i].Type != "host" {
			continue
		}
		if candidates[i].Address == localAddress {
			return candidates[i], true
		}
		if first == nil {
			first = &candidates[i]
		}
	}
	if first == nil {
		return Candidate{}, false
	}
	return *first, true
}

// Binder возвращает связку извлечения SDP с сессией
func (c *Coordinator) Binder(id string) media_sdp.Binder {
	return &binder{coordinator: c, id: id}
}

type binder struct {
	coordinator *Coordinator
	id          string
}

func (b *binder) HasStream(stream string) bool {
	return b.coordinator.HasStream(b.id, stream)
}

func (b *binder) SetRemoteCredentials(stream, ufrag, password string) error {
	se, err := b.coordinator.stream(b.id, stream)
	if err != nil {
		return err
	}
	if ufrag == "" || password == "" {
		return fmt.Errorf("удаленные учетные данные ICE не указаны для %s", stream)
	}
	return se.handle.SetRemoteCredentials(ufrag, password)
}

func (b *binder) InjectRemoteCandidate(stream, value string) error {
	return b.coordinator.InjectRemoteCandidate(b.id, stream, value)
}

func (b *binder) LocalHostEndpoint(stream string, component int) (string, int, bool) {
	c := b.coordinator
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.sessions[b.id]
	if !ok {
		return "", 0, false
	}
	se, ok := entry.streams[stream]
	if !ok {
		return "", 0, false
	}
	comp, ok := se.components[component]
	if !ok {
		return "", 0, false
	}
	host, ok := preferredHost(comp.LocalCandidates(), entry.address)
	if !ok {
		return "", 0, false
	}
	return host.Address, host.Port, true
}

func (c *Coordinator) stream(id, name string) (*streamEntry, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	se, ok := entry.streams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return se, nil
}

// InjectRemoteCandidate разбирает атрибут candidate и передает кандидата
// компоненту потока. Повтор уже известного кандидата ничего не делает.
func (c *Coordinator) InjectRemoteCandidate(id, stream, value string) error {
	candidate, err := ParseCandidate(value)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	entry, ok := c.sessions[id]
	if !ok {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	se, ok := entry.streams[stream]
	if !ok {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	component, ok := se.components[candidate.Component]
	if !ok {
		c.mutex.Unlock()
		return fmt.Errorf("в потоке %s нет компонента %d", stream, candidate.Component)
	}
	key := candidate.key()
	if se.remote[key] {
		c.mutex.Unlock()
		return nil
	}
	se.remote[key] = true
	c.mutex.Unlock()

	if err := component.AddRemoteCandidate(candidate); err != nil {
		c.mutex.Lock()
		delete(se.remote, key)
		c.mutex.Unlock()
		return fmt.Errorf("движок отклонил кандидата: %w", err)
	}
	return nil
}

// AwaitOutcome регистрирует однократного слушателя терминального результата потока.
// Слушатель вызывается в отдельной горутине после того, как компоненты
// потока освобождены. Если сессия уже завершилась, результат доставляется сразу.
func (c *Coordinator) AwaitOutcome(id, stream string, fn func(Outcome)) error {
	c.mutex.Lock()
	entry, ok := c.sessions[id]
	if !ok {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	se, ok := entry.streams[stream]
	if !ok {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	if se.listener != nil {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrListenerRegistered, stream)
	}
	se.listener = fn

	var deliveries []delivery
	if entry.state.IsTerminal() {
		deliveries = c.collectLocked(entry, entry.state)
	}
	c.mutex.Unlock()

	c.deliver(deliveries)
	return nil
}

// StartConnectivity запускает проверки связности один раз на сессию.
// Потоки без слушателя освобождаются до старта. Не блокирует.
func (c *Coordinator) StartConnectivity(id string) {
	c.mutex.Lock()
	entry, ok := c.sessions[id]
	if !ok || entry.started {
		c.mutex.Unlock()
		return
	}
	entry.started = true

	var unclaimed []EngineStream
	for name, se := range entry.streams {
		if se.listener == nil {
			unclaimed = append(unclaimed, se.handle)
			delete(entry.streams, name)
		}
	}
	empty := len(entry.streams) == 0
	if empty {
		delete(c.sessions, id)
	} else {
		entry.state = StateChecking
	}
	c.mutex.Unlock()

	for _, stream := range unclaimed {
		entry.handle.RemoveStream(stream)
	}

	if empty {
		entry.handle.Free()
		c.logger.Debug().Str("session", id).Msg("нет потоков для проверок, ICE сессия освобождена")
		return
	}

	c.logger.Debug().Str("session", id).Msg("запуск проверок связности")

	if err := entry.handle.StartConnectivity(); err != nil {
		c.logger.Warn().Err(err).Str("session", id).Msg("не удалось запустить проверки связности")
		c.onStateChange(entry, StateFailed)
	}
}

// Release освобождает поток, результат которого не нужен
func (c *Coordinator) Release(id, stream string) {
	c.mutex.Lock()
	entry, ok := c.sessions[id]
	if !ok {
		c.mutex.Unlock()
		return
	}
	se, ok := entry.streams[stream]
	if !ok {
		c.mutex.Unlock()
		return
	}
	delete(entry.streams, stream)
	free := len(entry.streams) == 0
	if free {
		delete(c.sessions, id)
	}
	c.mutex.Unlock()

	entry.handle.RemoveStream(se.handle)
	if free {
		entry.handle.Free()
		c.logger.Debug().Str("session", id).Msg("последний поток освобожден, ICE сессия закрыта")
	}
}

// Discard освобождает сессию целиком, зарегистрированные слушатели не вызываются
func (c *Coordinator) Discard(id string) {
	c.mutex.Lock()
	entry, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mutex.Unlock()

	if !ok {
		return
	}

	entry.handle.Free()
	c.logger.Debug().Str("session", id).Msg("ICE сессия сброшена")
}

// Sessions возвращает число живых сессий
func (c *Coordinator) Sessions() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.sessions)
}

type delivery struct {
	listener func(Outcome)
	outcome  Outcome
	stream   EngineStream
	free     bool
	session  EngineSession
}

func (c *Coordinator) onStateChange(entry *sessionEntry, state State) {
	c.mutex.Lock()
	if current, ok := c.sessions[entry.id]; !ok || current != entry {
		c.mutex.Unlock()
		return
	}
	if entry.state.IsTerminal() {
		c.mutex.Unlock()
		return
	}
	entry.state = state

	c.logger.Debug().
		Str("session", entry.id).
		Str("state", state.String()).
		Msg("состояние ICE сессии изменилось")

	var deliveries []delivery
	if state.IsTerminal() {
		deliveries = c.collectLocked(entry, state)
	}
	c.mutex.Unlock()

	c.deliver(deliveries)
}

// collectLocked снимает слушателей с потоков и готовит результаты.
// Выбранные пары читаются до освобождения компонентов.
func (c *Coordinator) collectLocked(entry *sessionEntry, state State) []delivery {
	var deliveries []delivery

	for name, se := range entry.streams {
		if se.listener == nil {
			continue
		}

		outcome := Outcome{Stream: name, State: state}
		if state == StateTerminated {
			outcome = selectedOutcome(name, se)
		}

		deliveries = append(deliveries, delivery{
			listener: se.listener,
			outcome:  outcome,
			stream:   se.handle,
			session:  entry.handle,
		})
		se.listener = nil
		delete(entry.streams, name)
	}

	if len(deliveries) > 0 && len(entry.streams) == 0 {
		delete(c.sessions, entry.id)
		deliveries[len(deliveries)-1].free = true
	}

	return deliveries
}

func selectedOutcome(name string, se *streamEntry) Outcome {
	outcome := Outcome{Stream: name, State: StateTerminated}

	rtp, ok := se.components[ComponentRTP]
	if !ok {
		outcome.State = StateFailed
		return outcome
	}
	address, port, ok := rtp.SelectedPair()
	if !ok {
		outcome.State = StateFailed
		return outcome
	}
	outcome.Data = Endpoint{Address: address, Port: port}
	outcome.Control = Endpoint{Address: address, Port: port + 1}

	if rtcp, ok := se.components[ComponentRTCP]; ok {
		if address, port, ok := rtcp.SelectedPair(); ok {
			outcome.Control = Endpoint{Address: address, Port: port}
		}
	}
	return outcome
}

// deliver освобождает потоки и вызывает слушателей вне мьютекса
func (c *Coordinator) deliver(deliveries []delivery) {
	for _, d := range deliveries {
		d.session.RemoveStream(d.stream)
		if d.free {
			d.session.Free()
		}
	}

	for _, d := range deliveries {
		c.logger.Debug().
			Str("stream", d.outcome.Stream).
			Str("state", d.outcome.State.String()).
			Str("remote", fmt.Sprintf("%s:%d", d.outcome.Data.Address, d.outcome.Data.Port)).
			Msg("доставка результата ICE")

		go d.listener(d.outcome)
	}
}
