// Package ice согласует ICE процесс вызова с обменом SDP.
//
// Coordinator держит одну ICE сессию на ключ согласования, создает по
// медиа потоку на каждый кодек (компоненты RTP и RTCP), передает в движок
// кандидаты удаленной стороны и доставляет терминальный результат
// однократным слушателям. Сам поиск кандидатов и проверки связности
// выполняет Engine; PionEngine реализует его поверх github.com/pion/ice.
package ice

import "fmt"

// State состояние ICE сессии
type State int

const (
	StateIdle State = iota
	StateHarvesting
	StateChecking
	StateTerminated // Проверки успешно завершены, пары выбраны
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHarvesting:
		return "HARVESTING"
	case StateChecking:
		return "CHECKING"
	case StateTerminated:
		return "TERMINATED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal сообщает, что сессия больше не изменит состояние
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}

// Номера компонентов медиа потока
const (
	ComponentRTP  = 1
	ComponentRTCP = 2
)

// HarvesterKind тип сервера для сбора кандидатов
type HarvesterKind int

const (
	HarvesterSTUN HarvesterKind = iota
	HarvesterTURN
)

// Harvester STUN или TURN сервер сессии
type Harvester struct {
	Kind     HarvesterKind
	URI      string
	Username string
	Password string
}

// Engine внешний ICE движок
type Engine interface {
	CreateSession(localAddress string, controlling bool) (EngineSession, error)
}

// EngineSession ICE сессия движка
type EngineSession interface {
	AddHarvester(h Harvester) error
	CreateMediaStream(name string) (EngineStream, error)
	// LocalCredentials возвращает ice-ufrag и ice-pwd сессии
	LocalCredentials() (ufrag, password string)
	// StartConnectivity запускает проверки и сразу возвращает управление
	StartConnectivity() error
	OnStateChange(fn func(State))
	RemoveStream(stream EngineStream)
	Free()
}

// EngineStream медиа поток внутри ICE сессии
type EngineStream interface {
	Name() string
	CreateComponent(transport string, preferredPort, minPort, maxPort int) (EngineComponent, error)
	SetRemoteCredentials(ufrag, password string) error
	RemoveComponent(component EngineComponent)
}

// EngineComponent компонент потока (RTP или RTCP)
type EngineComponent interface {
	ID() int
	LocalCandidates() []Candidate
	AddRemoteCandidate(c Candidate) error
	// SelectedPair возвращает удаленный адрес выбранной пары
	SelectedPair() (address string, port int, ok bool)
}
