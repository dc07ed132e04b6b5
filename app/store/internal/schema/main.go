package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/covergen/coverd/app/config"
	"github.com/covergen/coverd/app/store"
)

func main() {
	// output directory, default is the current one
	outputDir := "."
	if len(os.Args) > 1 {
		outputDir = os.Args[1]
	}

	// generate schema for the persisted snapshot blob
	snapshotSchema := jsonschema.Reflect(&store.Snapshot{})
	snapshotSchema.Title = "Coverd Snapshot Schema"
	snapshotSchema.Description = "Schema for the persisted job state blob"
	snapshotSchema.Version = "1.0.0"
	write(snapshotSchema, filepath.Join(outputDir, "snapshot-schema.json"))

	// generate schema for the yaml config file
	configSchema := jsonschema.Reflect(&config.Config{})
	configSchema.Title = "Coverd Configuration Schema"
	configSchema.Description = "Schema for coverd YAML configuration file"
	configSchema.Version = "1.0.0"
	write(configSchema, filepath.Join(outputDir, "config-schema.json"))
}

func write(schema *jsonschema.Schema, outputPath string) {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal schema: %v", err)
	}

	if err := os.WriteFile(outputPath, data, 0o600); err != nil { //nolint:gosec // schema file is not sensitive
		log.Fatalf("failed to write schema file: %v", err)
	}

	fmt.Printf("Schema generated successfully at %s\n", outputPath)
}
