package bl60x

import "embed"

// embeddedAssets bundles the gzip-compressed eflash-loader images for
// BL602/BL702 (spec.md §6). BL616 needs no loader image; it configures
// itself via a single opcode instead (UploadConfig).
//
//go:embed assets/*.gz
var embeddedAssets embed.FS
