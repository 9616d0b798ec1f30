package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"sparc/server/internal/net/proto"
)

var flagSchemaOut string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Emit the websocket wire protocol as a JSON schema",
	Long: `schema reflects the client and server message envelopes into a JSON
schema document, suitable for validating frames in non-Go clients.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		schema := buildWireSchema()
		data, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		data = append(data, '\n')

		if flagSchemaOut == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return writeSchemaFile(flagSchemaOut, data)
	},
}

func init() {
	schemaCmd.Flags().StringVar(&flagSchemaOut, "out", "", "path to write the schema (stdout if empty)")
}

func buildWireSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	client := reflector.Reflect(new(proto.ClientMessage))
	client.Title = "Client Message"
	client.Description = "Frames sent from a client over the multiplexed websocket connection."

	server := reflector.Reflect(new(proto.ServerMessage))
	server.Title = "Server Message"
	server.Description = "Frames delivered by the hub: broadcasts, record changes, presence, and heartbeats."

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "SPARC Wire Protocol",
		Description: "Validates frames exchanged on the session, combat, and presence topics.",
		OneOf:       []*jsonschema.Schema{client, server},
	}
}

func writeSchemaFile(outPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}
	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
