// Package typed gives type-safe access to json keys.
package typed

import (
	"fmt"

	"github.com/aretw0/mindcache/pkg/core"
)

// Reader is satisfied by *core.Store.
type Reader interface {
	Entry(key string) (core.Entry, bool)
}

// Writer is satisfied by *core.Store and *client.Client.
type Writer interface {
	Set(key string, value core.Value, patch *core.AttributesPatch) error
}

// Get decodes the json key into a T.
func Get[T any](r Reader, key string) (T, error) {
	var out T
	e, ok := r.Entry(key)
	if !ok {
		return out, fmt.Errorf("%w: %q", core.ErrNotFound, key)
	}
	return decode[T](e)
}

func decode[T any](e core.Entry) (T, error) {
	var out T
	v, ok := e.Value.(core.JSONValue)
	if !ok {
		return out, &core.ValidationError{Key: e.Key, Reason: fmt.Sprintf("key is %s, not json", e.Attributes.Type), Err: core.ErrTypeMismatch}
	}
	if err := v.Decode(&out); err != nil {
		return out, &core.ValidationError{Key: e.Key, Reason: fmt.Sprintf("decode into %T: %v", out, err)}
	}
	return out, nil
}

// Set encodes v as the json value of key. An existing key of another type
// is left alone and reported as a type mismatch; use SetType first.
func Set[T any](r Reader, w Writer, key string, v T, patch *core.AttributesPatch) error {
	if e, ok := r.Entry(key); ok && e.Attributes.Type != core.TypeJSON {
		return &core.ValidationError{Key: key, Reason: fmt.Sprintf("key is %s, not json", e.Attributes.Type), Err: core.ErrTypeMismatch}
	}
	value, err := core.NewJSON(v)
	if err != nil {
		return &core.ValidationError{Key: key, Reason: err.Error()}
	}
	return w.Set(key, value, patch)
}

// Key is a typed handle on one json key.
type Key[T any] struct {
	Name  string
	store *core.Store
	w     Writer
}

// NewKey binds name on store. Writes go through w when given, so a client
// can apply its permission checks; otherwise straight to store.
func NewKey[T any](store *core.Store, name string, w Writer) *Key[T] {
	if w == nil {
		w = store
	}
	return &Key[T]{Name: name, store: store, w: w}
}

// Get decodes the current value.
func (k *Key[T]) Get() (T, error) {
	return Get[T](k.store, k.Name)
}

// Set replaces the value.
func (k *Key[T]) Set(v T) error {
	return Set(k.store, k.w, k.Name, v, nil)
}

// Update reads, modifies and writes the value. A missing key starts from
// the zero T.
func (k *Key[T]) Update(fn func(*T) error) error {
	v, err := k.Get()
	if err != nil && !isNotFound(err) {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return k.Set(v)
}

// Subscribe calls fn with every decoded update of the key, including after
// a resync. Deletions are reported with core.ErrNotFound.
func (k *Key[T]) Subscribe(fn func(T, error)) core.SubscriptionID {
	return k.store.Subscribe(k.Name, func(c core.Change) {
		switch c.Kind {
		case core.ChangeUpdated:
			fn(decode[T](c.Entry))
		case core.ChangeDeleted, core.ChangeCleared:
			var zero T
			fn(zero, fmt.Errorf("%w: %q", core.ErrNotFound, k.Name))
		case core.ChangeReset:
			fn(k.Get())
		}
	})
}

// Unsubscribe removes a subscription made with Subscribe.
func (k *Key[T]) Unsubscribe(id core.SubscriptionID) bool {
	return k.store.Unsubscribe(id)
}
