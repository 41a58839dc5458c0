package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// folderMarker names the file that records which target owns an entity folder
const folderMarker = ".tg-vault-target"

// folderOwner returns the target id recorded in dir, false when dir carries
// no readable marker
func folderOwner(dir string) (int64, bool) {
	data, err := os.ReadFile(filepath.Join(dir, folderMarker))
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// claimFolder creates dir and marks it as owned by targetID. A folder that
// already belongs to another target is an error.
func claimFolder(dir string, targetID int64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create target folder: %w", err)
	}
	if owner, ok := folderOwner(dir); ok {
		if owner != targetID {
			return fmt.Errorf("folder %s belongs to target %d", dir, owner)
		}
		return nil
	}

	marker := []byte(strconv.FormatInt(targetID, 10) + "\n")
	if err := os.WriteFile(filepath.Join(dir, folderMarker), marker, 0644); err != nil {
		return fmt.Errorf("failed to mark target folder: %w", err)
	}
	return nil
}
