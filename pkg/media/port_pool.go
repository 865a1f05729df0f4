package media

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Границы эфемерного диапазона для медиа портов
const (
	DefaultMinPort = 16384
	DefaultMaxPort = 32767
)

// PortAllocationStrategy определяет стратегию выделения портов из пула.
type PortAllocationStrategy int

const (
	// PortAllocationSequential - последовательное выделение портов
	PortAllocationSequential PortAllocationStrategy = iota
	// PortAllocationRandom - случайное выделение портов
	PortAllocationRandom
)

// String возвращает строковое представление стратегии
func (s PortAllocationStrategy) String() string {
	switch s {
	case PortAllocationSequential:
		return "sequential"
	case PortAllocationRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ParsePortAllocationStrategy разбирает имя стратегии из конфигурации
func ParsePortAllocationStrategy(s string) (PortAllocationStrategy, error) {
	switch s {
	case "", "sequential":
		return PortAllocationSequential, nil
	case "random":
		return PortAllocationRandom, nil
	default:
		return 0, fmt.Errorf("неизвестная стратегия выделения портов: %q", s)
	}
}

// PortPair пара портов: data для RTP и data+1 для RTCP
type PortPair struct {
	Data    int
	Control int
}

// PortPool управляет парами портов в диапазоне [min, max).
// Порт данных всегда четный, порт управления на единицу больше.
type PortPool struct {
	minPort   int
	maxPort   int
	strategy  PortAllocationStrategy
	allocated map[int]bool
	available []int
	rnd       *rand.Rand
	mutex     sync.Mutex
}

// NewPortPool создает пул для диапазона [minPort, maxPort)
func NewPortPool(minPort, maxPort int, strategy PortAllocationStrategy) (*PortPool, error) {
	if minPort <= 0 || maxPort > 65536 {
		return nil, fmt.Errorf("неверный диапазон портов: Min=%d, Max=%d", minPort, maxPort)
	}
	if minPort%2 != 0 {
		minPort++
	}
	if maxPort-minPort < 2 {
		return nil, fmt.Errorf("диапазон портов слишком мал для размещения пар RTP/RTCP")
	}

	pool := &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		strategy:  strategy,
		allocated: make(map[int]bool),
		available: make([]int, 0, (maxPort-minPort)/2),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for port := minPort; port+1 < maxPort; port += 2 {
		pool.available = append(pool.available, port)
	}

	if strategy == PortAllocationRandom {
		pool.rnd.Shuffle(len(pool.available), func(i, j int) {
			pool.available[i], pool.available[j] = pool.available[j], pool.available[i]
		})
	}

	return pool, nil
}

// Range возвращает границы пула
func (p *PortPool) Range() (minPort, maxPort int) {
	return p.minPort, p.maxPort
}

// Allocate выделяет свободную пару портов
func (p *PortPool) Allocate() (PortPair, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.available) == 0 {
		return PortPair{}, fmt.Errorf("нет доступных портов в диапазоне %d-%d", p.minPort, p.maxPort)
	}

	var port int
	if p.strategy == PortAllocationSequential {
		port = p.available[0]
		p.available = p.available[1:]
	} else {
		idx := p.rnd.Intn(len(p.available))
		port = p.available[idx]
		p.available = append(p.available[:idx], p.available[idx+1:]...)
	}

	p.allocated[port] = true
	return PortPair{Data: port, Control: port + 1}, nil
}

// Release возвращает пару в пул.
// Повторное освобождение возвращает ошибку и ничего не меняет.
func (p *PortPool) Release(pair PortPair) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if pair.Data < p.minPort || pair.Data >= p.maxPort || pair.Control != pair.Data+1 {
		return fmt.Errorf("порты %d и %d не являются парой из диапазона [%d, %d)", pair.Data, pair.Control, p.minPort, p.maxPort)
	}

	if !p.allocated[pair.Data] {
		return fmt.Errorf("порт %d не был выделен", pair.Data)
	}

	delete(p.allocated, pair.Data)

	if p.strategy == PortAllocationSequential {
		// сохраняем сортировку
		for i := 0; i < len(p.available); i++ {
			if p.available[i] > pair.Data {
				p.available = append(p.available[:i], append([]int{pair.Data}, p.available[i:]...)...)
				return nil
			}
		}
	}
	p.available = append(p.available, pair.Data)

	return nil
}

// Available возвращает количество свободных пар
func (p *PortPool) Available() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.available)
}
