package session

import "fmt"

// SessionType вид медиа сессии внутри вызова
type SessionType int

const (
	SessionTypeRegular SessionType = iota // Основная сессия после 200 OK
	SessionTypeEarly                      // Ранняя медиа сессия (183)
)

func (t SessionType) String() string {
	switch t {
	case SessionTypeRegular:
		return "REGULAR"
	case SessionTypeEarly:
		return "EARLY"
	default:
		return "UNKNOWN"
	}
}

// SessionKey составной ключ всего состояния согласования
type SessionKey struct {
	CallID string
	Type   SessionType
}

// NewSessionKey создает ключ
func NewSessionKey(callID string, sessionType SessionType) SessionKey {
	return SessionKey{CallID: callID, Type: sessionType}
}

// String используется как идентификатор ICE сессии и в логах
func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.CallID, k.Type)
}
