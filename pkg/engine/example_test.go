package engine_test

import (
	"context"
	"fmt"
	"log"
	"testing/fstest"

	"github.com/openfroyo/envgraph/pkg/engine"
)

const exampleSchema = `
items:
  DB_HOST: localhost
  DB_PORT: "5432"
  DB_URL: concat("postgres://", $DB_HOST, ":", $DB_PORT, "/app")
  DB_PASSWORD:
    decorators:
      sensitive: true
      required: true
`

// Example_resolve loads a schema, overrides one item from the process
// environment and resolves everything.
func Example_resolve() {
	g := engine.New(engine.Options{
		FS: fstest.MapFS{
			".env.schema.yaml": {Data: []byte(exampleSchema)},
		},
		Env: map[string]string{
			"DB_HOST":     "db.internal",
			"DB_PASSWORD": "hunter22",
		},
	})

	ctx := context.Background()
	if err := g.Load(ctx); err != nil {
		log.Fatal(err)
	}
	stats, err := g.Resolve(ctx)
	if err != nil {
		log.Fatal(err)
	}

	for _, key := range []string{"DB_HOST", "DB_URL"} {
		it, _ := g.Item(key)
		fmt.Printf("%s=%v\n", key, it.Value())
	}
	fmt.Println("errors:", g.HasErrors())
	fmt.Println("depth:", stats.MaxDepth)
	fmt.Println("secrets:", g.Snapshot(ctx).SensitiveValues())

	// Output:
	// DB_HOST=db.internal
	// DB_URL=postgres://db.internal:5432/app
	// errors: false
	// depth: 2
	// secrets: [hunter22]
}

// Example_dependencyGraph shows the resolution levels computed after
// processing.
func Example_dependencyGraph() {
	g := engine.New(engine.Options{
		FS: fstest.MapFS{
			".env.schema.yaml": {Data: []byte(exampleSchema)},
		},
		Env: map[string]string{},
	})

	ctx := context.Background()
	if err := g.Load(ctx); err != nil {
		log.Fatal(err)
	}
	g.Process(ctx)

	dag := g.DependencyGraph()
	for i, level := range dag.Levels() {
		fmt.Println(i, level)
	}
	fmt.Println(dag.Dependencies("DB_URL"))

	// Output:
	// 0 [DB_HOST DB_PASSWORD DB_PORT ENVGRAPH_ENV ENVGRAPH_IS_CI]
	// 1 [DB_URL]
	// [DB_HOST DB_PORT]
}
