package media_sdp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/media"
)

// LocalTransport локальные транспортные параметры одной медиа строки.
// Пустой DataAddress означает адрес уровня сессии.
// Непустой ControlAddress выводится в атрибут rtcp целиком.
type LocalTransport struct {
	DataAddress    string
	DataPort       int
	ControlAddress string
	ControlPort    int
	Candidates     []string
	Ufrag          string
	Password       string
}

// TransportProvider выдает локальный транспорт под медиа строку кодека
type TransportProvider interface {
	Reserve(d codec.Descriptor) (LocalTransport, error)
}

// PoolTransports резервирует пары портов data/data+1 из пула
// и запоминает их для последующего освобождения.
type PoolTransports struct {
	pool     *media.PortPool
	reserved []media.PortPair
	mutex    sync.Mutex
}

// NewPoolTransports создает провайдер поверх пула портов
func NewPoolTransports(pool *media.PortPool) *PoolTransports {
	return &PoolTransports{pool: pool}
}

// Reserve выделяет пару портов для кодека
func (p *PoolTransports) Reserve(d codec.Descriptor) (LocalTransport, error) {
	pair, err := p.ReservePair()
	if err != nil {
		return LocalTransport{}, fmt.Errorf("не удалось выделить порты для %s: %w", d.RTPKey(), err)
	}
	return LocalTransport{DataPort: pair.Data, ControlPort: pair.Control}, nil
}

// ReservePair выделяет пару и запоминает ее
func (p *PoolTransports) ReservePair() (media.PortPair, error) {
	pair, err := p.pool.Allocate()
	if err != nil {
		return media.PortPair{}, err
	}

	p.mutex.Lock()
	p.reserved = append(p.reserved, pair)
	p.mutex.Unlock()

	return pair, nil
}

// Reserved возвращает все выделенные этим провайдером пары
func (p *PoolTransports) Reserved() []media.PortPair {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	result := make([]media.PortPair, len(p.reserved))
	copy(result, p.reserved)
	return result
}

// Pool возвращает пул, из которого выделяются порты
func (p *PoolTransports) Pool() *media.PortPool {
	return p.pool
}

// ReleaseAll возвращает в пул все выделенные пары
func (p *PoolTransports) ReleaseAll() error {
	p.mutex.Lock()
	reserved := p.reserved
	p.reserved = nil
	p.mutex.Unlock()

	var errs []error
	for _, pair := range reserved {
		if err := p.pool.Release(pair); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
