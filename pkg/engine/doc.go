// Package engine loads, processes and resolves an envgraph configuration
// graph.
//
// # Overview
//
// A Graph is built from a tree of data sources. The root is a directory
// holding up to five definition files:
//
//	.env.schema.yaml           item definitions and root decorators
//	.env.yaml                  shared values
//	.env.local.yaml            untracked local overrides
//	.env.<env>.yaml            values for one environment
//	.env.<env>.local.yaml      local overrides for one environment
//
// The process environment sits above the root directory and overrides any
// item it already defines. Sources may add children with @import, and
// static sources can be attached with AddStatic.
//
// Precedence is a depth-first walk of the tree: process environment, then
// env-local, local, env, base and schema files, then imports in declaration
// order, then static sources, then the built-in items.
//
// # Lifecycle
//
// A graph moves through four phases:
//
//  1. Load - read files, run early resolution for @currentEnv, @disable and
//     @import, and attach child sources
//  2. Process - build decorators and resolver trees for every item and
//     detect dependency cycles
//  3. Resolve - evaluate items concurrently in dependency order, then
//     coerce and validate values
//  4. Execute - run root decorator hooks such as @generateTypes
//
// Run performs all four:
//
//	g := engine.New(engine.Options{WorkDir: dir})
//	if err := g.Run(ctx); err != nil {
//	    return err
//	}
//	for _, err := range g.Errors() {
//	    fmt.Println(err)
//	}
//
// # Resolvers
//
// Values are expressions over a small resolver algebra: static values,
// references ($KEY or ref(KEY)), built-in functions such as concat, fallback,
// remap, forEnv, exec and if, and functions contributed by plugins through
// the Registry.
//
// # Errors
//
// Errors are recorded on the item or source they belong to rather than
// aborting the run. Every error is an *Error with an ErrorKind:
//
//	if engine.IsCoercionError(err) {
//	    // the value could not be converted to the item's type
//	}
//
// Validation issues raised by a data type as warnings do not make an item
// invalid.
//
// # Thread Safety
//
// Graph, Item and Registry are safe for concurrent use. Concurrent Resolve
// calls share item state, so every item resolves at most once unless reset.
package engine
