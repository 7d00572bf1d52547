package image

import (
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Process configuration inherited from the image.
//
// Forwarded verbatim to the VM runner; the engine itself never
// interprets these values.
type RunConfig struct {
	Entrypoint []string `json:"entrypoint,omitempty"`
	Command    []string `json:"command,omitempty"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
	User       string   `json:"user,omitempty"`
}

// Extracts the run configuration from a decoded image config blob.
func runConfigFromImage(img ocispec.Image) RunConfig {
	return RunConfig{
		Entrypoint: img.Config.Entrypoint,
		Command:    img.Config.Cmd,
		Env:        img.Config.Env,
		WorkingDir: img.Config.WorkingDir,
		User:       img.Config.User,
	}
}

// Returns entrypoint and command joined into the effective argv.
func (c RunConfig) CombinedCommand() []string {
	argv := make([]string, 0, len(c.Entrypoint)+len(c.Command))
	argv = append(argv, c.Entrypoint...)
	argv = append(argv, c.Command...)
	return argv
}
