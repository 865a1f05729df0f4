package media_sdp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/pion/sdp/v3"
)

// ErrNilDescription передан пустой документ
var ErrNilDescription = errors.New("SDP документ отсутствует")

// Perspective определяет, чей документ извлекается
type Perspective int

const (
	// PerspectiveLocal собственный документ, адреса берутся из локальных ICE кандидатов
	PerspectiveLocal Perspective = iota
	// PerspectiveRemote документ удаленной стороны, кандидаты передаются в ICE
	PerspectiveRemote
)

func (p Perspective) String() string {
	switch p {
	case PerspectiveLocal:
		return "local"
	case PerspectiveRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ConnectionInfo нормализованные транспортные параметры одной строки rtpmap
type ConnectionInfo struct {
	DataAddress     string
	DataPort        int
	ControlAddress  string
	ControlPort     int
	RTPKey          string
	PayloadType     uint8
	Direction       media.Direction
	PeerSupportsICE bool
}

// StreamName имя ICE потока для строки
func (c ConnectionInfo) StreamName() string {
	return strings.ToLower(c.RTPKey)
}

// Binder связывает извлечение с ICE сессией вызова
type Binder interface {
	// HasStream сообщает, существует ли ICE поток с таким именем
	HasStream(stream string) bool
	SetRemoteCredentials(stream, ufrag, password string) error
	InjectRemoteCandidate(stream, value string) error
	// LocalHostEndpoint возвращает хост кандидат компонента (1 - RTP, 2 - RTCP)
	LocalHostEndpoint(stream string, component int) (address string, port int, ok bool)
}

// Observer получает результаты извлечения в порядке документа
type Observer interface {
	OnConnectionInfoExtracted(info ConnectionInfo)
	OnExtractionIgnored(rtpKey string, payloadType uint8)
	OnExtractionPartiallyFailed(err error)
	OnExtractionFailedCompletely(err error)
	OnDoneExtractingConnectionInfo()
}

// ObserverFuncs реализует Observer набором необязательных функций
type ObserverFuncs struct {
	Extracted        func(info ConnectionInfo)
	Ignored          func(rtpKey string, payloadType uint8)
	PartiallyFailed  func(err error)
	FailedCompletely func(err error)
	Done             func()
}

func (o ObserverFuncs) OnConnectionInfoExtracted(info ConnectionInfo) {
	if o.Extracted != nil {
		o.Extracted(info)
	}
}

func (o ObserverFuncs) OnExtractionIgnored(rtpKey string, payloadType uint8) {
	if o.Ignored != nil {
		o.Ignored(rtpKey, payloadType)
	}
}

func (o ObserverFuncs) OnExtractionPartiallyFailed(err error) {
	if o.PartiallyFailed != nil {
		o.PartiallyFailed(err)
	}
}

func (o ObserverFuncs) OnExtractionFailedCompletely(err error) {
	if o.FailedCompletely != nil {
		o.FailedCompletely(err)
	}
}

func (o ObserverFuncs) OnDoneExtractingConnectionInfo() {
	if o.Done != nil {
		o.Done()
	}
}

// Options параметры одного прохода извлечения
type Options struct {
	Perspective Perspective
	RTPKey      string // Непустой ключ ограничивает извлечение совпадающими строками
	Binder      Binder // nil - ICE не участвует
}

// LineError ошибка разбора одной строки документа
type LineError struct {
	Line string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("строка %q: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// IgnoredLine строка rtpmap без адреса подключения
type IgnoredLine struct {
	RTPKey      string
	PayloadType uint8
}

// Report итог одного прохода извлечения
type Report struct {
	Extracted []ConnectionInfo
	Ignored   []IgnoredLine
	Errors    []error // Ошибки отдельных строк
	Failed    error   // Ошибка всего документа
}

// OK сообщает, что документ прочитан целиком
func (r Report) OK() bool {
	return r.Failed == nil
}

// Keys возвращает rtpKey извлеченных строк
func (r Report) Keys() []string {
	keys := make([]string, 0, len(r.Extracted))
	for _, info := range r.Extracted {
		keys = append(keys, info.RTPKey)
	}
	return keys
}

// extraction состояние одного прохода, между вызовами не переиспользуется
type extraction struct {
	opts     Options
	observer Observer
	report   Report
}

func (x *extraction) partial(line string, err error) {
	lineErr := &LineError{Line: line, Err: err}
	x.report.Errors = append(x.report.Errors, lineErr)
	x.observer.OnExtractionPartiallyFailed(lineErr)
}

func (x *extraction) fail(err error) Report {
	x.report.Failed = err
	x.observer.OnExtractionFailedCompletely(err)
	x.observer.OnDoneExtractingConnectionInfo()
	return x.report
}

// ExtractBytes разбирает текст SDP и извлекает из него параметры.
// Ошибка разбора документа считается полным отказом.
func ExtractBytes(raw []byte, opts Options, observer Observer) Report {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		if observer == nil {
			observer = ObserverFuncs{}
		}
		x := &extraction{opts: opts, observer: observer}
		return x.fail(fmt.Errorf("ошибка разбора SDP: %w", err))
	}
	return Extract(desc, opts, observer)
}

// Extract извлекает ConnectionInfo по одной на каждый атрибут rtpmap.
// Для каждой строки ICE операции выполняются до уведомления наблюдателя.
//
// Правила разрешения адресов:
//   - данные: c= строки, затем c= сессии, без них строка пропускается
//   - управление: rtcp строки, затем rtcp сессии, иначе адрес данных и порт+1
//   - направление: последний атрибут направления, по умолчанию sendrecv
//
// Ошибка отдельного атрибута попадает в Report.Errors, документ nil
// в Report.Failed.
func Extract(desc *sdp.SessionDescription, opts Options, observer Observer) Report {
	if observer == nil {
		observer = ObserverFuncs{}
	}
	x := &extraction{opts: opts, observer: observer}

	if desc == nil {
		return x.fail(ErrNilDescription)
	}

	parentAddress := connectionAddress(desc.ConnectionInformation)

	var parentControl *controlEndpoint
	if value, ok := desc.Attribute("rtcp"); ok {
		if endpoint, err := parseRTCPAttribute(value); err != nil {
			x.partial("a=rtcp:"+value, err)
		} else {
			parentControl = &endpoint
		}
	}

	sessionUfrag, _ := desc.Attribute("ice-ufrag")
	sessionPassword, _ := desc.Attribute("ice-pwd")

	for i, md := range desc.MediaDescriptions {
		if md == nil {
			x.partial(fmt.Sprintf("m[%d]", i), ErrNilDescription)
			continue
		}
		x.mediaLine(md, parentAddress, parentControl, sessionUfrag, sessionPassword)
	}

	observer.OnDoneExtractingConnectionInfo()
	return x.report
}

func (x *extraction) mediaLine(md *sdp.MediaDescription, parentAddress string, parentControl *controlEndpoint, sessionUfrag, sessionPassword string) {
	direction := lastDirection(md.Attributes)

	var candidates []string
	var control *controlEndpoint
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "candidate":
			candidates = append(candidates, attr.Value)
		case "rtcp":
			endpoint, err := parseRTCPAttribute(attr.Value)
			if err != nil {
				x.partial("a=rtcp:"+attr.Value, err)
				continue
			}
			control = &endpoint
		}
	}

	ufrag, password := sessionUfrag, sessionPassword
	if value, ok := md.Attribute("ice-ufrag"); ok {
		ufrag = value
	}
	if value, ok := md.Attribute("ice-pwd"); ok {
		password = value
	}

	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}

		m, err := codec.ParseRTPMap(attr.Value)
		if err != nil {
			x.partial("a=rtpmap:"+attr.Value, err)
			continue
		}

		if x.opts.RTPKey != "" && !codec.EqualKeys(m.Key(), x.opts.RTPKey) {
			continue
		}

		dataAddress := connectionAddress(md.ConnectionInformation)
		if dataAddress == "" {
			dataAddress = parentAddress
		}
		if dataAddress == "" {
			x.report.Ignored = append(x.report.Ignored, IgnoredLine{RTPKey: m.Key(), PayloadType: m.PayloadType})
			x.observer.OnExtractionIgnored(m.Key(), m.PayloadType)
			continue
		}

		info := ConnectionInfo{
			DataAddress:     dataAddress,
			DataPort:        md.MediaName.Port.Value,
			RTPKey:          m.Key(),
			PayloadType:     m.PayloadType,
			Direction:       direction,
			PeerSupportsICE: len(candidates) > 0,
		}
		info.ControlAddress, info.ControlPort = resolveControl(info, control, parentControl)

		x.bindICE(&info, candidates, ufrag, password)

		x.report.Extracted = append(x.report.Extracted, info)
		x.observer.OnConnectionInfoExtracted(info)
	}
}

// resolveControl: rtcp строки, затем rtcp сессии, затем data+1
func resolveControl(info ConnectionInfo, own, parent *controlEndpoint) (string, int) {
	endpoint := own
	if endpoint == nil {
		endpoint = parent
	}
	if endpoint == nil {
		return info.DataAddress, info.DataPort + 1
	}

	// rtcp без адреса относится к адресу данных своей строки
	address := endpoint.Address
	if address == "" {
		address = info.DataAddress
	}
	return address, endpoint.Port
}

func (x *extraction) bindICE(info *ConnectionInfo, candidates []string, ufrag, password string) {
	binder := x.opts.Binder
	if binder == nil || !info.PeerSupportsICE {
		return
	}

	stream := info.StreamName()
	if !binder.HasStream(stream) {
		return
	}

	switch x.opts.Perspective {
	case PerspectiveRemote:
		if err := binder.SetRemoteCredentials(stream, ufrag, password); err != nil {
			x.partial("a=ice-ufrag:"+ufrag, err)
			return
		}
		for _, candidate := range candidates {
			if err := binder.InjectRemoteCandidate(stream, candidate); err != nil {
				x.partial("a=candidate:"+candidate, err)
			}
		}
	case PerspectiveLocal:
		if address, port, ok := binder.LocalHostEndpoint(stream, 1); ok {
			info.DataAddress, info.DataPort = address, port
		}
		if address, port, ok := binder.LocalHostEndpoint(stream, 2); ok {
			info.ControlAddress, info.ControlPort = address, port
		}
	}
}

func connectionAddress(c *sdp.ConnectionInformation) string {
	if c == nil || c.Address == nil {
		return ""
	}
	// многоадресная запись вида addr/ttl
	address, _, _ := strings.Cut(c.Address.Address, "/")
	return address
}
