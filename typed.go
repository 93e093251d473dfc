package mindcache

import (
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/typed"
)

// Key is a json key accessed as a Go value of type T.
type Key[T any] = typed.Key[T]

// NewKey binds name in store to T. Writes go through w, which may be the
// store itself or a Client to replicate them.
//
//	prefs := mindcache.NewKey[Preferences](c.Store(), "prefs", c)
func NewKey[T any](store *core.Store, name string, w typed.Writer) *Key[T] {
	return typed.NewKey[T](store, name, w)
}
