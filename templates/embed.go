// Package templates embeds the files written by foreman init.
package templates

import "embed"

//go:embed config.yaml plan.yaml rules.yaml
var FS embed.FS
