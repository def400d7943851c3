package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/osakka/toolserver/pkg/errors"
)

// Quarantine atomically relocates a failed plugin's directory under
// <installRoot>/.quarantine/<id>-<timestampSuffix>/, preventing it from
// being discovered or reloaded again until an operator intervenes
// (spec.md §4.6, GLOSSARY "Quarantine").
func Quarantine(installRoot, pluginID, pluginPath string, timestampSuffix string) (string, error) {
	quarantineDir := filepath.Join(installRoot, ".quarantine")
	if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
		return "", errors.IO("quarantine_mkdir", err)
	}

	dest := filepath.Join(quarantineDir, fmt.Sprintf("%s-%s", pluginID, timestampSuffix))
	if err := os.Rename(pluginPath, dest); err != nil {
		return "", errors.IO("quarantine_rename", err)
	}

	return dest, nil
}
