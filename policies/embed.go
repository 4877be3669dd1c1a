// Package policies holds the policy packs shipped with the engine and the
// meta-schema every policy document is checked against when loaded.
package policies

import (
	"embed"
	"io/fs"
	"path"
	"sort"
)

// Packs is the embedded set of built-in policy documents
//
//go:embed packs/*.json
var Packs embed.FS

// MetaSchema is the JSON Schema for policy documents
//
//go:embed policy.schema.json
var MetaSchema []byte

// PacksDir is the directory of Packs holding the documents
const PacksDir = "packs"

// Documents returns every embedded policy document keyed by file name
func Documents() (map[string][]byte, error) {
	entries, err := fs.ReadDir(Packs, PacksDir)
	if err != nil {
		return nil, err
	}
	docs := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(Packs, path.Join(PacksDir, e.Name()))
		if err != nil {
			return nil, err
		}
		docs[e.Name()] = data
	}
	return docs, nil
}

// Names lists the embedded document file names in sorted order
func Names() ([]string, error) {
	docs, err := Documents()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(docs))
	for n := range docs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}
