package media_sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// controlEndpoint разобранный атрибут rtcp (RFC 3605).
// Пустой Address означает, что атрибут содержал только порт.
type controlEndpoint struct {
	Address string
	Port    int
}

// parseRTCPAttribute разбирает "<port>" или "<port> IN IP4|IP6 <address>"
func parseRTCPAttribute(value string) (controlEndpoint, error) {
	fields := strings.Fields(value)

	switch len(fields) {
	case 1, 4:
	default:
		return controlEndpoint{}, fmt.Errorf("неверный формат rtcp: %q", value)
	}

	port, err := strconv.Atoi(fields[0])
	if err != nil || port <= 0 || port > 65535 {
		return controlEndpoint{}, fmt.Errorf("неверный порт в rtcp: %q", value)
	}

	if len(fields) == 1 {
		return controlEndpoint{Port: port}, nil
	}

	if fields[1] != "IN" {
		return controlEndpoint{}, fmt.Errorf("неподдерживаемый тип сети в rtcp: %q", value)
	}

	ip := net.ParseIP(fields[3])
	switch {
	case ip == nil:
		return controlEndpoint{}, fmt.Errorf("неверный адрес в rtcp: %q", value)
	case fields[2] == "IP4" && ip.To4() == nil, fields[2] == "IP6" && ip.To4() != nil:
		return controlEndpoint{}, fmt.Errorf("тип адреса не соответствует адресу в rtcp: %q", value)
	case fields[2] != "IP4" && fields[2] != "IP6":
		return controlEndpoint{}, fmt.Errorf("неизвестный тип адреса в rtcp: %q", value)
	}

	return controlEndpoint{Address: fields[3], Port: port}, nil
}
