package main

import (
	"fmt"
	"os"

	"github.com/aretw0/mindcache/pkg/codec"
	"github.com/aretw0/mindcache/pkg/core"
)

// openSnapshot loads a .json or .md snapshot file into a fresh store.
func openSnapshot(path string) (*core.Store, error) {
	serializer, err := codec.ForPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	snap, err := serializer.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	store := core.NewStore()
	if err := store.Restore(snap); err != nil {
		return nil, err
	}
	return store, nil
}
