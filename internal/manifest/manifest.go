// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package manifest parses and re-emits a repository's foundry.toml build
// manifest (spec §6).
package manifest

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// Build declares how the default stage (and, for Dockerfile mode, the
// deploy image) is produced. Exactly one of Dockerfile or Image must be set.
type Build struct {
	Dockerfile string `toml:"dockerfile,omitempty"`
	Image      string `toml:"image,omitempty"`
	Command    string `toml:"command,omitempty"`
}

// Stage is one explicit [[stages]] entry.
type Stage struct {
	Name    string `toml:"name"`
	Image   string `toml:"image,omitempty"`
	Command string `toml:"command"`
}

// Deploy declares the long-running service this pipeline replaces on success.
type Deploy struct {
	Name        string `toml:"name"`
	Domain      string `toml:"domain,omitempty"`
	Port        int    `toml:"port,omitempty"`
	ComposeFile string `toml:"compose_file,omitempty"`
}

// Schedule declares a cron trigger independent of upstream webhooks.
type Schedule struct {
	Cron     string `toml:"cron"`
	Branch   string `toml:"branch"`
	Timezone string `toml:"timezone,omitempty"`
	Enabled  bool   `toml:"enabled"`
}

// Manifest is the decoded form of foundry.toml.
type Manifest struct {
	Build    Build             `toml:"build"`
	Stages   []Stage           `toml:"stages,omitempty"`
	Deploy   *Deploy           `toml:"deploy,omitempty"`
	Env      map[string]string `toml:"env,omitempty"`
	Schedule *Schedule         `toml:"schedule,omitempty"`
}

// Validate checks the structural invariants Parse cannot express via
// struct tags alone: exactly one of build.dockerfile/build.image, and
// every declared stage has a non-empty name and command.
func (m Manifest) Validate() error {
	if m.Build.Dockerfile == "" && m.Build.Image == "" {
		return fmt.Errorf("manifest: [build] must set dockerfile or image")
	}
	if m.Build.Dockerfile != "" && m.Build.Image != "" {
		return fmt.Errorf("manifest: [build] dockerfile and image are mutually exclusive")
	}
	for i, st := range m.Stages {
		if st.Name == "" {
			return fmt.Errorf("manifest: stages[%d] missing name", i)
		}
		if st.Command == "" {
			return fmt.Errorf("manifest: stages[%d] %q missing command", i, st.Name)
		}
	}
	if m.Deploy != nil && m.Deploy.Name == "" {
		return fmt.Errorf("manifest: [deploy] missing name")
	}
	return nil
}

// EffectiveStages returns the declared [[stages]] list, or, if empty, a
// single synthesized stage derived from [build] (spec §4.E step 4).
func (m Manifest) EffectiveStages() []Stage {
	if len(m.Stages) > 0 {
		return m.Stages
	}
	image := m.Build.Image
	if image == "" {
		image = "build" // built from the Dockerfile; the agent substitutes the built tag
	}
	return []Stage{{Name: "build", Image: image, Command: m.Build.Command}}
}

// Parse decodes raw foundry.toml bytes into a Manifest and validates it.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Emit re-serializes a Manifest to canonical TOML. Parse(Emit(m)) must
// produce a Manifest equal to m (spec §8 round-trip invariant).
func Emit(m *Manifest) ([]byte, error) {
	out, err := toml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("emit manifest: %w", err)
	}
	return out, nil
}
