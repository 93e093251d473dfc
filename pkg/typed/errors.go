package typed

import (
	"errors"

	"github.com/aretw0/mindcache/pkg/core"
)

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
