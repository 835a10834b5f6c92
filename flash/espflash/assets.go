package espflash

import "embed"

// embeddedAssets bundles the per-chip stub JSON blobs (spec.md §6), the
// modern successor to the teacher's go-bindata-generated asset files.
// Each is a small JSON document of {text_start, text, data_start, data,
// entry} with base64 payloads, loaded lazily by loadStub.
//
//go:embed assets/*.json
var embeddedAssets embed.FS
