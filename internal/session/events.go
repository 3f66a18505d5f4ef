package session

import "net"

// Observer receives session notifications. Calls may arrive concurrently
// from several receive goroutines.
type Observer interface {
	// Received delivers a decoded message that matched no pending request.
	Received(s *Session, remote net.Addr, msg any)
	Error(s *Session, err error)
	Closed(s *Session, reason string)
}

// ObserverFuncs adapts plain functions to an Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnReceived func(s *Session, remote net.Addr, msg any)
	OnError    func(s *Session, err error)
	OnClosed   func(s *Session, reason string)
}

func (f ObserverFuncs) Received(s *Session, remote net.Addr, msg any) {
	if f.OnReceived != nil {
		f.OnReceived(s, remote, msg)
	}
}

func (f ObserverFuncs) Error(s *Session, err error) {
	if f.OnError != nil {
		f.OnError(s, err)
	}
}

func (f ObserverFuncs) Closed(s *Session, reason string) {
	if f.OnClosed != nil {
		f.OnClosed(s, reason)
	}
}

// Observers fans every notification out to each member in order.
type Observers []Observer

func (o Observers) Received(s *Session, remote net.Addr, msg any) {
	for _, ob := range o {
		ob.Received(s, remote, msg)
	}
}

func (o Observers) Error(s *Session, err error) {
	for _, ob := range o {
		ob.Error(s, err)
	}
}

func (o Observers) Closed(s *Session, reason string) {
	for _, ob := range o {
		ob.Closed(s, reason)
	}
}

// Host owns server-side sessions and is told when one closes.
type Host interface {
	Detach(s *Session)
}
