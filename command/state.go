package command

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"

	. "github.com/TIGRLab/datman-sub001/util"
)

// Creds represents the state that is stored in the user's homedir, at ConfigPath.
type Creds struct {
	Server   string `json:"server"`
	User     string `json:"user"`
	Pass     string `json:"pass"`
	Insecure bool   `json:"insecure"`
}

// ConfigPath defines where the Creds struct is persisted on disk.
const ConfigPath = "~/.config/datman/xnat.json"

// LoadState attempts to load an existing config file from ConfigPath.
func LoadState() (*Creds, error) {
	path, err := homedir.Expand(ConfigPath)
	if err != nil {
		return nil, err
	}

	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Creds
	err = json.Unmarshal(b, &c)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// Save persists the Creds to ConfigPath. Exits on error.
func (c *Creds) Save() {
	raw, err := json.MarshalIndent(c, "", "\t")
	Check(err)

	// Files should end in newlines
	raw = append(raw, []byte("\n")...)

	path, err := homedir.Expand(ConfigPath)
	Check(err)

	err = os.MkdirAll(filepath.Dir(path), 0755)
	Check(err)

	err = ioutil.WriteFile(path, raw, 0600)
	Check(err)
}

func DeleteState() error {
	path, err := homedir.Expand(ConfigPath)
	if err != nil {
		return err
	}

	err = os.Remove(path)

	if os.IsNotExist(err) {
		return nil
	} else {
		return err
	}
}
