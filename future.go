package hoot

import "context"

// Future is the eventual result of a queued send or resend.
type Future[T any] interface {
	// can't type alias this (yet) because of the type parameter
	Get() (T, error)
	Await(context.Context) (T, error)
	Done() <-chan struct{}
}
