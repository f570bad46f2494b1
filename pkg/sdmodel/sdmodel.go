// Package sdmodel holds the small data-model types shared by the client and
// server protocol engines: the state a provided or required identifier can
// be in, and the shape of a listen callback.
package sdmodel

import (
	"github.com/r2northstar/ipcsd/pkg/ident"
	"github.com/r2northstar/ipcsd/pkg/wire"
)

// ProvidedState is the lifecycle of a provided identifier. Entries are
// created once and thereafter only transition in place — NotProvided means
// "was offered, then withdrawn", distinct from never having existed at all.
type ProvidedState int

const (
	NotProvided ProvidedState = iota
	Provided
)

func (s ProvidedState) String() string {
	if s == Provided {
		return "Provided"
	}
	return "NotProvided"
}

// RequiredState is the analogous lifecycle for a required identifier on a
// client.
type RequiredState int

const (
	NotRequired RequiredState = iota
	Required
)

func (s RequiredState) String() string {
	if s == Required {
		return "Required"
	}
	return "NotRequired"
}

// ListenCallback is invoked once per observed Provided/NotProvided
// transition of a provider matching the required identifier it was
// registered against. It runs with no registry lock held.
type ListenCallback func(required ident.Required, provided ident.Provided, addr wire.UnicastAddress, state ProvidedState)
