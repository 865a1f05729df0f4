package media_sdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNothingToAnswer в предложении нет ни одной строки, которую можно принять
var ErrNothingToAnswer = errors.New("нет медиа строк для ответа")

const (
	defaultSessionName = "-"
	defaultIdentifier  = "media_negotiation"
)

// BuilderConfig конфигурация построителя SDP
type BuilderConfig struct {
	Identifier string           // username в o= строке
	Registry   *codec.Registry  // Реестр кодеков
	Now        func() time.Time // Источник времени для session-id
	Logger     zerolog.Logger
}

// DefaultBuilderConfig возвращает конфигурацию по умолчанию
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Identifier: defaultIdentifier,
		Registry:   codec.DefaultRegistry(),
		Now:        time.Now,
		Logger:     log.Logger.With().Str("component", "sdp_builder").Logger(),
	}
}

// Builder строит SDP предложения и ответы по реестру кодеков
type Builder struct {
	identifier string
	registry   *codec.Registry
	now        func() time.Time
	logger     zerolog.Logger
}

// NewBuilder создает построитель
func NewBuilder(config BuilderConfig) *Builder {
	if config.Identifier == "" {
		config.Identifier = defaultIdentifier
	}
	if config.Registry == nil {
		config.Registry = codec.DefaultRegistry()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Builder{
		identifier: config.Identifier,
		registry:   config.Registry,
		now:        config.Now,
		logger:     config.Logger,
	}
}

// Registry возвращает реестр построителя
func (b *Builder) Registry() *codec.Registry {
	return b.registry
}

// BuildOffer строит предложение: одна m= строка на каждый включенный кодек
func (b *Builder) BuildOffer(localAddress string, transports TransportProvider) (*sdp.SessionDescription, error) {
	enabled := b.registry.Enabled()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("в реестре нет включенных кодеков")
	}

	offer := newDescription(b.identifier, uint64(b.now().Unix()), 0, defaultSessionName, localAddress)

	for _, d := range enabled {
		t, err := transports.Reserve(d)
		if err != nil {
			return nil, err
		}

		offer.MediaDescriptions = append(offer.MediaDescriptions,
			mediaLine(d.Kind.String(), d.RTPMap(), d.PayloadType, t, localAddress, media.DirectionSendRecv))
		setICECredentials(offer, t)
	}

	b.logger.Debug().
		Str("local_address", localAddress).
		Int("media_count", len(offer.MediaDescriptions)).
		Msg("предложение построено")

	return offer, nil
}

// BuildAnswer строит ответ на предложение.
// Строки предложения просматриваются в порядке документа. Каждая принятая
// строка получает свою m= строку с payload type предложения, rtpmap
// в верхнем регистре и зеркальным направлением. Кодек реестра
// используется не более одного раза.
func (b *Builder) BuildAnswer(offer *sdp.SessionDescription, localAddress string, transports TransportProvider) (*sdp.SessionDescription, error) {
	if offer == nil || len(offer.MediaDescriptions) == 0 {
		return nil, ErrNothingToAnswer
	}

	answer := newDescription(b.identifier, offer.Origin.SessionID, offer.Origin.SessionVersion,
		string(offer.SessionName), localAddress)

	used := make(map[codec.Descriptor]bool)

	for _, md := range offer.MediaDescriptions {
		if md == nil {
			continue
		}

		direction := lastDirection(md.Attributes).Mirror()

		for _, attr := range md.Attributes {
			if attr.Key != "rtpmap" {
				continue
			}

			offered, err := codec.ParseRTPMap(attr.Value)
			if err != nil {
				b.logger.Warn().Err(err).Msg("строка rtpmap предложения пропущена")
				continue
			}

			d, ok := b.registry.Accepting(offered.PayloadType, offered.Key())
			if !ok || used[d] || !strings.EqualFold(d.Kind.String(), md.MediaName.Media) {
				continue
			}

			t, err := transports.Reserve(d)
			if err != nil {
				return nil, err
			}
			used[d] = true

			echoed := offered
			echoed.Encoding = strings.ToUpper(offered.Encoding)

			answer.MediaDescriptions = append(answer.MediaDescriptions,
				mediaLine(md.MediaName.Media, echoed.String(), offered.PayloadType, t, localAddress, direction))
			setICECredentials(answer, t)

			b.logger.Debug().
				Str("rtp_key", offered.Key()).
				Str("codec", d.String()).
				Str("direction", direction.String()).
				Msg("строка предложения принята")
		}
	}

	if len(answer.MediaDescriptions) == 0 {
		return nil, ErrNothingToAnswer
	}

	return answer, nil
}

func newDescription(identifier string, sessionID, version uint64, name, localAddress string) *sdp.SessionDescription {
	if name == "" {
		name = defaultSessionName
	}
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       identifier,
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addressType(localAddress),
			UnicastAddress: localAddress,
		},
		SessionName:           sdp.SessionName(name),
		ConnectionInformation: connection(localAddress),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func mediaLine(kind, rtpmap string, payloadType uint8, t LocalTransport, localAddress string, direction media.Direction) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: t.DataPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(payloadType))},
		},
	}

	if t.DataAddress != "" && t.DataAddress != localAddress {
		md.ConnectionInformation = connection(t.DataAddress)
	}

	md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", rtpmap))

	switch {
	case t.ControlAddress != "":
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtcp",
			fmt.Sprintf("%d IN %s %s", t.ControlPort, addressType(t.ControlAddress), t.ControlAddress)))
	case t.ControlPort != 0 && t.ControlPort != t.DataPort+1:
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtcp", strconv.Itoa(t.ControlPort)))
	}

	for _, candidate := range t.Candidates {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("candidate", candidate))
	}

	md.Attributes = append(md.Attributes, sdp.NewPropertyAttribute(direction.String()))

	return md
}

// setICECredentials выводит ice-ufrag/ice-pwd на уровень сессии один раз
func setICECredentials(desc *sdp.SessionDescription, t LocalTransport) {
	if t.Ufrag == "" || t.Password == "" {
		return
	}
	if _, ok := desc.Attribute("ice-ufrag"); ok {
		return
	}
	desc.Attributes = append(desc.Attributes,
		sdp.NewAttribute("ice-ufrag", t.Ufrag),
		sdp.NewAttribute("ice-pwd", t.Password),
	)
}

func connection(address string) *sdp.ConnectionInformation {
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(address),
		Address:     &sdp.Address{Address: address},
	}
}

func addressType(address string) string {
	if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// lastDirection возвращает последний атрибут направления, sendrecv по умолчанию
func lastDirection(attributes []sdp.Attribute) media.Direction {
	direction := media.DirectionSendRecv
	for _, attr := range attributes {
		if attr.Value != "" {
			continue
		}
		if d, ok := media.ParseDirection(attr.Key); ok {
			direction = d
		}
	}
	return direction
}
