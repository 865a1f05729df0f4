package ice

import (
	"fmt"
	"strings"

	pion "github.com/pion/ice/v4"
)

// Candidate кандидат в виде атрибута SDP:
// <foundation> <component> <transport> <priority> <addr> <port> typ <type> [raddr <addr> rport <port>]
type Candidate struct {
	Foundation     string
	Component      int
	Transport      string
	Priority       uint32
	Address        string
	Port           int
	Type           string
	RelatedAddress string
	RelatedPort    int
}

// Marshal возвращает значение атрибута a=candidate
func (c Candidate) Marshal() string {
	value := fmt.Sprintf("%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Transport, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddress != "" {
		value += fmt.Sprintf(" raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return value
}

func (c Candidate) String() string {
	return c.Marshal()
}

// candidateKey кортеж для отсева повторов:
// foundation, priority, транспортный адрес, связанный адрес, тип
type candidateKey struct {
	foundation     string
	priority       uint32
	address        string
	port           int
	relatedAddress string
	relatedPort    int
	typ            string
}

func (c Candidate) key() candidateKey {
	return candidateKey{
		foundation:     c.Foundation,
		priority:       c.Priority,
		address:        c.Address,
		port:           c.Port,
		relatedAddress: c.RelatedAddress,
		relatedPort:    c.RelatedPort,
		typ:            c.Type,
	}
}

// ParseCandidate разбирает значение атрибута candidate.
// Префикс "candidate:" допускается.
func ParseCandidate(value string) (Candidate, error) {
	value = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "candidate:"))

	fields := strings.Fields(value)
	if len(fields) < 8 || fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("неверный формат кандидата: %q", value)
	}

	parsed, err := pion.UnmarshalCandidate(value)
	if err != nil {
		return Candidate{}, fmt.Errorf("ошибка разбора кандидата %q: %w", value, err)
	}

	c := Candidate{
		Foundation: parsed.Foundation(),
		Component:  int(parsed.Component()),
		Transport:  strings.ToUpper(fields[2]),
		Priority:   parsed.Priority(),
		Address:    parsed.Address(),
		Port:       parsed.Port(),
		Type:       parsed.Type().String(),
	}
	if related := parsed.RelatedAddress(); related != nil {
		c.RelatedAddress = related.Address
		c.RelatedPort = related.Port
	}

	if c.Component != ComponentRTP && c.Component != ComponentRTCP {
		return Candidate{}, fmt.Errorf("неподдерживаемый компонент %d в кандидате %q", c.Component, value)
	}

	return c, nil
}

// fromPion переводит локального кандидата pion в SDP представление
// с номером компонента, которому принадлежит агент.
func fromPion(pc pion.Candidate, component int) Candidate {
	c := Candidate{
		Foundation: pc.Foundation(),
		Component:  component,
		Transport:  strings.ToUpper(pc.NetworkType().NetworkShort()),
		Priority:   pc.Priority(),
		Address:    pc.Address(),
		Port:       pc.Port(),
		Type:       pc.Type().String(),
	}
	if related := pc.RelatedAddress(); related != nil {
		c.RelatedAddress = related.Address
		c.RelatedPort = related.Port
	}
	return c
}

// toPion собирает кандидата pion для передачи агенту
func (c Candidate) toPion() (pion.Candidate, error) {
	return pion.UnmarshalCandidate(c.Marshal())
}
