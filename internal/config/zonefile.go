package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ZoneFile is the on-disk shape of an optional checked-in zone policy
// file. Comments are permitted; the file is preprocessed with
// tidwall/jsonc before being unmarshalled.
type ZoneFile struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// LoadZoneFile reads and parses a zone policy file. A missing file is
// not an error; it yields an empty ZoneFile so callers can rely solely
// on CLI-supplied globs.
func LoadZoneFile(path string) (ZoneFile, error) {
	var zf ZoneFile

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return zf, nil
		}
		return zf, fmt.Errorf("reading zone file %s: %w", path, err)
	}

	data = jsonc.ToJSON(data)
	if err := json.Unmarshal(data, &zf); err != nil {
		return zf, fmt.Errorf("parsing zone file %s: %w", path, err)
	}

	return zf, nil
}
