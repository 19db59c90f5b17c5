package sim

// A Ticker is an object that updates states with ticks.
type Ticker interface {
	// Tick advances the state. It returns true if progress is made.
	Tick() bool
}

// Middleware defines the actions of a component.
type Middleware interface {
	Ticker
}

// MiddlewareHolder can maintain a list of middleware.
type MiddlewareHolder struct {
	middlewares []Middleware
}

// AddMiddleware adds a middleware to the holder.
func (holder *MiddlewareHolder) AddMiddleware(middleware Middleware) {
	holder.middlewares = append(holder.middlewares, middleware)
}

// Middlewares returns the list of middleware.
func (holder *MiddlewareHolder) Middlewares() []Middleware {
	return holder.middlewares
}

// Tick ticks every middleware once, in order. It returns true if any of them
// made progress.
func (holder *MiddlewareHolder) Tick() bool {
	progress := false

	for _, middleware := range holder.middlewares {
		if middleware.Tick() {
			progress = true
		}
	}

	return progress
}

// TickUntilIdle ticks t until a tick makes no progress, at most limit
// times. It returns the number of ticks that made progress.
func TickUntilIdle(t Ticker, limit int) int {
	n := 0
	for n < limit && t.Tick() {
		n++
	}

	return n
}
