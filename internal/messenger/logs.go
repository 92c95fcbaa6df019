package messenger

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/cah/internal/store"
)

// tailReadLimit bounds how much of the log file gets read for a tail.
const tailReadLimit = 256 * 1024

// TailLog returns the last n lines of a task's execution log.
func TailLog(st *store.Store, taskID string, n int) (string, error) {
	path := filepath.Join(st.LogDir(taskID), "execution.log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if info.Size() > tailReadLimit {
		offset = info.Size() - tailReadLimit
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return "", err
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		lines = lines[1:] // first line may be cut mid-way
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
