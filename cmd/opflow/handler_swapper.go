package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper lets serve replace its routes on a settings reload without
// dropping the listener.
type handlerSwapper struct {
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

func (s *handlerSwapper) Swap(h http.Handler) { s.current.Store(&h) }
