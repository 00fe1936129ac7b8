package registry

//go:generate mockgen -source=conn.go -destination=mocks/mock_conn.go -package=mocks

// Conn is a registered connection. Send must not block; a slow or closed
// connection reports an error instead.
type Conn interface {
	ID() string
	Send(payload []byte) error
}
