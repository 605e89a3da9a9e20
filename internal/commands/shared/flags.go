// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"fmt"
	"os"

	"github.com/tombee/simfleet/internal/config"
)

var (
	configPath string
	jsonOutput bool
)

// RegisterFlagPointers returns pointers to the global flag storage so the
// root command can bind persistent flags to them.
func RegisterFlagPointers() (*string, *bool) {
	return &configPath, &jsonOutput
}

// GetJSON reports whether --json output was requested.
func GetJSON() bool {
	return jsonOutput
}

// ConfigPath returns the configuration file path: the --config flag, the
// SIMFLEET_CONFIG environment variable, or ./simfleet.yaml.
func ConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("SIMFLEET_CONFIG"); env != "" {
		return env
	}
	return "simfleet.yaml"
}

// LoadConfig loads and validates the fleet configuration. When no config
// file was named explicitly and the default one does not exist, built-in
// defaults apply.
func LoadConfig() (*config.Config, error) {
	path := ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) && configPath == "" && os.Getenv("SIMFLEET_CONFIG") == "" {
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}
