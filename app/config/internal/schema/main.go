// Command schema generates the JSON schema for the ingestd config file
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/chrono-hq/ingestd/app/config"
)

func main() {
	schema := config.GenerateSchema()

	schema.Title = "Ingestd Configuration Schema"
	schema.Description = "Schema for ingestd YAML configuration file"
	schema.Version = "1.0.0"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal schema: %v", err)
	}

	outputPath := "schema.json"
	if len(os.Args) > 1 {
		outputPath = os.Args[1]
	}
	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		log.Fatalf("failed to write schema: %v", err)
	}
	fmt.Printf("schema written to %s\n", outputPath)
}
