package repositories

import _ "embed"

//go:embed assets/platforms.yaml
var embeddedPlatforms []byte
