package prefork

import (
	"os"
	"strconv"

	"github.com/google/renameio/v2"
)

// writePIDFile atomically writes the current process's pid to path,
// using renameio.WriteFile so a concurrent reader never observes a
// partially written file, the same atomic-replace technique the teacher
// uses for its generated run scripts.
func writePIDFile(path string) error {
	return renameio.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile removes a pid file written by writePIDFile. A missing
// file is not an error.
func removePIDFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
