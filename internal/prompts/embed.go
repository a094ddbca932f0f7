// Package prompts renders the text sent to agents from templates that users
// may override per project or per user.
package prompts

import "embed"

//go:embed task/*.md
var embeddedFS embed.FS
