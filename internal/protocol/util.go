package protocol

import (
	"os"

	"github.com/kthwaite/tak/internal/errs"
)

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errs.IOErr(err)
	}
	return nil
}
