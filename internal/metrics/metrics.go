package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	TicksTotal        Counter
	Entries           Counter
	Exits             Counter
	Resets            Counter
	Holds             Counter
	Skips             Counter
	OrdersPlaced      Counter
	OrdersFailed      Counter
	PriceFeedFailures Counter
	PairFailures      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		TicksTotal:        n,
		Entries:           n,
		Exits:             n,
		Resets:            n,
		Holds:             n,
		Skips:             n,
		OrdersPlaced:      n,
		OrdersFailed:      n,
		PriceFeedFailures: n,
		PairFailures:      n,
	}
}
