package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatch ответ не содержит кодек, присутствующий в предложении
	ErrNoMatch = errors.New("кодек ответа отсутствует в предложении")
	// ErrCodecInconsistency ответ ссылается на формат, которого нет в реестре
	ErrCodecInconsistency = errors.New("кодек не объявлен в реестре")
)

// Matcher пересекает rtpmap ответа с rtpmap предложения
type Matcher struct {
	registry *Registry
}

// NewMatcher создает Matcher поверх реестра
func NewMatcher(registry *Registry) *Matcher {
	return &Matcher{registry: registry}
}

// Match ищет среди ключей предложения rtpKey ответа и возвращает кодек реестра.
// Совпадение с кодеком вне реестра считается ошибкой согласованности:
// отбрасывается только эта медиа строка.
func (m *Matcher) Match(answerKey string, offerKeys []string) (Descriptor, error) {
	for _, offerKey := range offerKeys {
		if !EqualKeys(offerKey, answerKey) {
			continue
		}

		d, ok := m.registry.Lookup(answerKey)
		if !ok {
			return Descriptor{}, fmt.Errorf("%w: %s", ErrCodecInconsistency, answerKey)
		}
		return d, nil
	}

	return Descriptor{}, fmt.Errorf("%w: %s", ErrNoMatch, answerKey)
}
