package config

import (
	"bytes"
	"os"

	"github.com/BurntSushi/toml"
)

// fileProvider is a minimal koanf.Provider that reads a config file from
// disk, mirroring the teacher's rawbytes-provider pattern without needing
// to pre-read the file into a separate variable at the call site.
type fileProvider struct {
	path string
}

func (f fileProvider) ReadBytes() ([]byte, error) {
	return os.ReadFile(f.path)
}

func (f fileProvider) Read() (map[string]interface{}, error) {
	return nil, nil
}

// tomlParser adapts BurntSushi/toml to koanf.Parser so a .toml config file
// can be loaded through the same k.Load call as the YAML path.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if _, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(v map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
