//go:build !linux

package build

import (
	"os"
	"time"
)

func createdAt(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
