package vringh

type optionValues struct {
	weakBarriers bool
	getRange     RangeFunc
	strictRanges bool
	diagnostics  Diagnostics
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	diagnostics: discardDiagnostics{},
}

// Option can be passed to [NewRing] to influence ring creation.
type Option func(*optionValues)

// WithWeakBarriers returns an [Option] that tells the ring its peer is a CPU
// sharing memory with us rather than a device doing I/O. The setting is
// informational: Go atomics are sequentially consistent, so every barrier
// issued by the ring is the same strength either way.
func WithWeakBarriers(weak bool) Option {
	return func(o *optionValues) { o.weakBarriers = weak }
}

// WithRangeCheck returns an [Option] that makes the ring validate and
// translate every buffer address of a descriptor through getRange. Without it,
// descriptor addresses are used as is.
func WithRangeCheck(getRange RangeFunc) Option {
	return func(o *optionValues) { o.getRange = getRange }
}

// WithStrictRanges returns an [Option] that rejects buffers crossing the end
// of their range with [ErrRangeTruncated]. By default such buffers are split
// into one segment per range.
func WithStrictRanges(strict bool) Option {
	return func(o *optionValues) { o.strictRanges = strict }
}

// WithDiagnostics returns an [Option] that sets where descriptions of bad
// peer input go. By default they are dropped.
func WithDiagnostics(d Diagnostics) Option {
	return func(o *optionValues) {
		if d == nil {
			d = discardDiagnostics{}
		}
		o.diagnostics = d
	}
}
