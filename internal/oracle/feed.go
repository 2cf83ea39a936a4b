package oracle

// PriceFeed is the consumed price-oracle interface. Only the sign of the
// latest answer is ever inspected: installation probes that the feed is
// live and returning a strictly positive price. No price is cached.
type PriceFeed interface {
	LatestAnswer() int64
}

// Catalog maps installable oracle names to deployed feeds.
type Catalog map[string]PriceFeed

// Lookup resolves an oracle name. The boolean is false for unknown names.
func (c Catalog) Lookup(name string) (PriceFeed, bool) {
	f, ok := c[name]
	if !ok || f == nil {
		return nil, false
	}
	return f, true
}

// StaticFeed returns a fixed answer; useful for rewards priced off-system
// and for wiring environments without a live feed.
type StaticFeed struct {
	answer int64
}

func NewStaticFeed(answer int64) *StaticFeed {
	return &StaticFeed{answer: answer}
}

func (f *StaticFeed) LatestAnswer() int64 {
	return f.answer
}
