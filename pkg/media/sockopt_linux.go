//go:build linux

package media

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// setSockOptForVoice выставляет приоритет сокета и DSCP маркировку для голоса
func setSockOptForVoice(conn *net.UDPConn, dscp int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var sockOptErr error
	err = rawConn.Control(func(fd uintptr) {
		// 6 - приоритет интерактивного аудио
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
			sockOptErr = fmt.Errorf("SO_PRIORITY: %w", err)
			return
		}
		if dscp > 0 {
			// DSCP находится в старших 6 битах TOS
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2); err != nil {
				sockOptErr = fmt.Errorf("IP_TOS: %w", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}

	return sockOptErr
}
