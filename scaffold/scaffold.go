// Package scaffold holds the embedded templates rendered by "cmsync init".
package scaffold

import "embed"

// Templates contains the scaffold files. They use text/template syntax and
// carry a .tmpl suffix; a file named dotenv is written as .env.example.
//
//go:embed all:templates
var Templates embed.FS
