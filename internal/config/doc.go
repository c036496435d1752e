// Package config loads, merges and resolves avaserve configuration.
//
// Configuration is a set of YAML documents merged in precedence order
// into one ordered tree (Node). A document may import others; imported
// files form the base that the importing file overrides.
//
// # Features
//
//   - Ordered, immutable configuration trees with copy-on-write merge
//   - Appendable sequences chosen by schema or by the !append tag
//   - Imports by path, list, mapping or glob, with cycle detection
//   - ${a.b.c} and ${env:NAME:-default} references resolved after merge
//   - $YAMLPATH and $YAMLFILE substituted per declaring file
//   - Typed decoding into Spec with mapstructure
//   - File watching across every loaded file for hot reload
//
// # Configuration Loading
//
//	loader := config.NewLoader()
//	root, files, err := loader.Load("base.yaml", "override.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	spec, err := config.Decode(root)
//
// # File Watching
//
//	watcher, err := config.NewWatcher(func(changed []string) {
//	    // trigger a reload
//	})
//	_ = watcher.SetFiles(files)
//	_ = watcher.Start(ctx)
package config
