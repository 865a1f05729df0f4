package codec

import (
	"fmt"
	"strings"
)

// MediaKind тип медиа, к которому относится кодек
type MediaKind int

const (
	MediaKindAudio MediaKind = iota
	MediaKindVideo
)

// String возвращает имя медиа в том виде, в котором оно пишется в m= строке SDP
func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseMediaKind разбирает имя медиа из m= строки
func ParseMediaKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "audio":
		return MediaKindAudio, nil
	case "video":
		return MediaKindVideo, nil
	default:
		return 0, fmt.Errorf("неизвестный тип медиа: %q", s)
	}
}

// Descriptor описывает один поддерживаемый кодек.
// Значение неизменяемое и сравнимое, поэтому используется как ключ карт.
type Descriptor struct {
	Encoding    string
	PayloadType uint8
	ClockRate   uint32
	Kind        MediaKind
	Enabled     bool
}

// RTPKey возвращает ключ сопоставления "ENCODING/clock"
func (d Descriptor) RTPKey() string {
	return fmt.Sprintf("%s/%d", d.Encoding, d.ClockRate)
}

// RTPMap возвращает значение атрибута a=rtpmap для кодека
func (d Descriptor) RTPMap() string {
	return fmt.Sprintf("%d %s", d.PayloadType, d.RTPKey())
}

// StreamName имя ICE потока, связанного с кодеком
func (d Descriptor) StreamName() string {
	return strings.ToLower(d.RTPKey())
}

// String для логов
func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%d)", d.RTPKey(), d.PayloadType)
}

// Accepts проверяет, может ли кодек принять предложенную строку rtpmap.
// Достаточно совпадения payload type в динамическом диапазоне
// либо совпадения encoding/clockRate без учета регистра.
func (d Descriptor) Accepts(payloadType uint8, rtpKey string) bool {
	if IsDynamicPayloadType(payloadType) && payloadType == d.PayloadType {
		return true
	}
	return EqualKeys(d.RTPKey(), rtpKey)
}

// IsDynamicPayloadType сообщает, лежит ли payload type в диапазоне 96-127
func IsDynamicPayloadType(pt uint8) bool {
	return pt >= 96 && pt <= 127
}

// NormalizeKey приводит rtpKey к каноническому виду
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// EqualKeys сравнивает два rtpKey без учета регистра
func EqualKeys(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// catalog статический каталог кодеков в порядке объявления.
// Порядок определяет порядок m= строк в предложении.
var catalog = [...]Descriptor{
	{Encoding: "PCMA", PayloadType: 8, ClockRate: 8000, Kind: MediaKindAudio, Enabled: true},
	{Encoding: "SPEEX", PayloadType: 97, ClockRate: 8000, Kind: MediaKindAudio, Enabled: false},
	{Encoding: "SPEEX", PayloadType: 97, ClockRate: 16000, Kind: MediaKindAudio, Enabled: false},
	{Encoding: "SPEEX", PayloadType: 97, ClockRate: 32000, Kind: MediaKindAudio, Enabled: false},
}

// Registry неизменяемый реестр кодеков
type Registry struct {
	codecs []Descriptor
}

// DefaultRegistry возвращает реестр со встроенным каталогом
func DefaultRegistry() *Registry {
	return NewRegistry(catalog[:])
}

// NewRegistry создает реестр из копии переданного списка
func NewRegistry(codecs []Descriptor) *Registry {
	copied := make([]Descriptor, len(codecs))
	copy(copied, codecs)
	return &Registry{codecs: copied}
}

// WithEnabled возвращает новый реестр, в котором включены только кодеки
// с перечисленными rtpKey. Пустой список оставляет реестр без изменений.
func (r *Registry) WithEnabled(keys ...string) (*Registry, error) {
	if len(keys) == 0 {
		return r, nil
	}

	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		wanted[NormalizeKey(key)] = true
	}

	codecs := make([]Descriptor, len(r.codecs))
	for i, d := range r.codecs {
		d.Enabled = wanted[NormalizeKey(d.RTPKey())]
		if d.Enabled {
			delete(wanted, NormalizeKey(d.RTPKey()))
		}
		codecs[i] = d
	}

	if len(wanted) > 0 {
		unknown := make([]string, 0, len(wanted))
		for key := range wanted {
			unknown = append(unknown, key)
		}
		return nil, fmt.Errorf("кодеки отсутствуют в каталоге: %s", strings.Join(unknown, ", "))
	}

	return &Registry{codecs: codecs}, nil
}

// List возвращает включенные кодеки указанного вида в порядке объявления
func (r *Registry) List(kind MediaKind) []Descriptor {
	result := make([]Descriptor, 0, len(r.codecs))
	for _, d := range r.codecs {
		if d.Enabled && d.Kind == kind {
			result = append(result, d)
		}
	}
	return result
}

// Enabled возвращает все включенные кодеки: сначала аудио, затем видео
func (r *Registry) Enabled() []Descriptor {
	return append(r.List(MediaKindAudio), r.List(MediaKindVideo)...)
}

// All возвращает весь каталог, включая выключенные кодеки
func (r *Registry) All() []Descriptor {
	result := make([]Descriptor, len(r.codecs))
	copy(result, r.codecs)
	return result
}

// Lookup ищет включенный кодек по rtpKey без учета регистра
func (r *Registry) Lookup(rtpKey string) (Descriptor, bool) {
	for _, d := range r.codecs {
		if d.Enabled && EqualKeys(d.RTPKey(), rtpKey) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Accepting возвращает первый включенный кодек, принимающий предложенную строку
func (r *Registry) Accepting(payloadType uint8, rtpKey string) (Descriptor, bool) {
	for _, d := range r.Enabled() {
		if d.Accepts(payloadType, rtpKey) {
			return d, true
		}
	}
	return Descriptor{}, false
}
