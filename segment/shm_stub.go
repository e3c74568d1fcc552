//go:build !unix

package segment

import (
	"errors"
	"os"
)

var errNoShm = errors.New("segment: shared mappings are not supported on this platform")

func mapShared(_ *os.File, _ int, _ bool) ([]byte, error) { return nil, errNoShm }

func unmapShared(_ []byte) error { return errNoShm }

func syncShared(_ []byte) error { return errNoShm }
