package memory

// factQueryOptions accumulates options for [FactStore.GetFacts].
// Unexported — callers configure it via [FactQueryOpt] functional options.
type factQueryOptions struct {
	types []FactType
	limit int
}

// FactQueryOpt is a functional option for [FactStore.GetFacts].
type FactQueryOpt func(*factQueryOptions)

// WithFactTypes restricts the returned facts to those whose Type is in the
// provided list. An empty list (the default) returns all types.
func WithFactTypes(types ...FactType) FactQueryOpt {
	return func(o *factQueryOptions) {
		o.types = append(o.types, types...)
	}
}

// WithFactLimit caps the number of facts returned.
// A value of 0 means the implementation may apply its own default.
func WithFactLimit(n int) FactQueryOpt {
	return func(o *factQueryOptions) { o.limit = n }
}

// FactQueryParams holds the resolved parameters from a slice of [FactQueryOpt].
type FactQueryParams struct {
	Types []FactType
	Limit int
}

// ApplyFactQueryOpts applies a slice of [FactQueryOpt] functional options and
// returns the resolved query parameters as a [FactQueryParams]. This helper
// allows external packages (such as storage backends) to read the option values
// without needing to access the unexported [factQueryOptions] type directly.
func ApplyFactQueryOpts(opts []FactQueryOpt) FactQueryParams {
	o := &factQueryOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return FactQueryParams{
		Types: o.types,
		Limit: o.limit,
	}
}
