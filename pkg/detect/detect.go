// pkg/detect/detect.go - detection of an existing ZeroTier One installation
// via the Windows uninstall registry.

package detect

import (
	"strings"

	version "github.com/hashicorp/go-version"
	"github.com/windowsadmins/ztsetup/pkg/logging"
	"golang.org/x/sys/windows/registry"
)

// ProductNamePrefix identifies the client in the uninstall registry.
const ProductNamePrefix = "ZeroTier One"

// uninstallRoots covers both the native and the 32-bit registration areas.
var uninstallRoots = []string{
	`Software\Microsoft\Windows\CurrentVersion\Uninstall`,
	`Software\Wow6432Node\Microsoft\Windows\CurrentVersion\Uninstall`,
}

// ProductInstallation describes a detected installed client. At least one of
// ProductCode and UninstallString is non-empty; without either there is no
// way to remove the product and the entry is not reported.
type ProductInstallation struct {
	DisplayName     string
	DisplayVersion  string
	ProductCode     string
	UninstallString string
}

// Detect scans the uninstall registry roots for the client, root by root,
// stopping at the first match. Read failures on individual entries are logged
// and skipped; they never abort the scan.
func Detect() (*ProductInstallation, bool) {
	for _, root := range uninstallRoots {
		key, err := registry.OpenKey(registry.LOCAL_MACHINE, root, registry.READ)
		if err != nil {
			logging.Debug("Unable to open uninstall root", "root", root, "error", err)
			continue
		}

		subKeys, err := key.ReadSubKeyNames(0)
		if err != nil {
			logging.Warn("Unable to enumerate uninstall root", "root", root, "error", err)
			key.Close()
			continue
		}

		for _, subKey := range subKeys {
			entry, ok := readEntry(root + `\` + subKey)
			if !ok {
				continue
			}
			if inst, ok := matchEntry(entry, subKey); ok {
				key.Close()
				logging.Info("Found existing installation",
					"name", inst.DisplayName,
					"version", inst.DisplayVersion,
					"product_code", inst.ProductCode,
				)
				return inst, true
			}
		}
		key.Close()
	}
	return nil, false
}

// registryEntry is the raw property set read from one uninstall subkey.
type registryEntry struct {
	DisplayName     string
	DisplayVersion  string
	UninstallString string
}

func readEntry(path string) (registryEntry, bool) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		logging.Debug("Unable to open uninstall entry", "key", path, "error", err)
		return registryEntry{}, false
	}
	defer key.Close()

	var entry registryEntry
	entry.DisplayName, _, err = key.GetStringValue("DisplayName")
	if err != nil {
		// Entries without a display name are not products; skip quietly.
		return registryEntry{}, false
	}
	if v, _, err := key.GetStringValue("DisplayVersion"); err == nil {
		entry.DisplayVersion = v
	} else {
		logging.Debug("Uninstall entry has no DisplayVersion", "key", path, "error", err)
	}
	if u, _, err := key.GetStringValue("UninstallString"); err == nil {
		entry.UninstallString = u
	}
	return entry, true
}

// matchEntry decides whether one uninstall entry is the client. The subkey
// name doubles as the MSI product code when it has the braced-GUID shape.
func matchEntry(entry registryEntry, subKeyName string) (*ProductInstallation, bool) {
	if !strings.HasPrefix(entry.DisplayName, ProductNamePrefix) {
		return nil, false
	}

	inst := &ProductInstallation{
		DisplayName:     entry.DisplayName,
		DisplayVersion:  entry.DisplayVersion,
		UninstallString: entry.UninstallString,
	}
	if isProductCode(subKeyName) {
		inst.ProductCode = subKeyName
	}
	if inst.ProductCode == "" && inst.UninstallString == "" {
		// No removal handle at all; treat as not detected rather than hand
		// the transactor an entry it cannot act on.
		logging.Warn("Matching entry has no product code or uninstall string", "name", entry.DisplayName)
		return nil, false
	}
	return inst, true
}

// isProductCode reports whether s looks like a braced MSI GUID,
// e.g. {5D4B7A8C-...-9E1F23456789}.
func isProductCode(s string) bool {
	if len(s) != 38 || s[0] != '{' || s[37] != '}' {
		return false
	}
	for i, r := range s[1:37] {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHexDigit(r) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// IsOlderVersion returns true if `local` is strictly older than `minimum`.
// Unparseable versions compare as not-older so an odd version string never
// triggers a reinstall recommendation on its own.
func IsOlderVersion(local, minimum string) bool {
	vLocal, errLocal := version.NewVersion(local)
	vMin, errMin := version.NewVersion(minimum)
	if errLocal != nil || errMin != nil {
		logging.Debug("Version parse error, skipping comparison",
			"local", local,
			"minimum", minimum,
			"errLocal", errLocal,
			"errMin", errMin,
		)
		return false
	}
	return vLocal.LessThan(vMin)
}
