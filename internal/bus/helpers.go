package bus

import "github.com/nats-io/nats.go"

// Test-only helpers; the constructors stay unexported behind the factory.

func NewMemoryBus() *MemoryBus {
	return newMemoryBus()
}

func NewNATSBus(url string) (*NATSBus, error) {
	return newNATSBus(url)
}

func NewNATSBusWithConn(conn *nats.Conn) (*NATSBus, error) {
	return newNATSBusWithConn(conn)
}
