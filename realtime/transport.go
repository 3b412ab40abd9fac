package realtime

// Transport is one client connection as seen by the hub. Conn is the
// websocket implementation; tests substitute in-memory transports.
type Transport interface {
	GetID() string
	SendJSON(v interface{}) error
	IsActive() bool
	Close()
	OnClose(callback func(Transport) error)
	OnMessage(handler func(Event, Transport) error)
}
