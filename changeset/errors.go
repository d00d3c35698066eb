package changeset

import (
	"errors"
	"fmt"

	"github.com/itellico/cachesync"
)

var ErrDuplicateID = errors.New("changeset: duplicate id")

func invalidState(cs *ChangeSet, op string) error {
	return fmt.Errorf("%w: cannot %s change set %s at %s/%s", cachesync.ErrInvalidState, op, cs.ID, cs.Level, cs.Status)
}

func storeErr(op string, err error) error {
	var se *cachesync.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &cachesync.StoreError{Op: op, Err: err}
}
