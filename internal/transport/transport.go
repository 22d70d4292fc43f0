package transport

// Sink is a generic asynchronous payload transmission target.
type Sink interface {
	Send([]byte) error
}

// Compile-time assertion that *AsyncTx satisfies Sink.
var _ Sink = (*AsyncTx)(nil)
