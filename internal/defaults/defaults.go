// Package defaults provides the embedded example configuration for
// the lantern init subcommand.
package defaults

import _ "embed"

//go:embed lantern.example.yaml
var ConfigYAML []byte
