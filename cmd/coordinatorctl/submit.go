package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/streamplane/coordinator/pkg/client"
	"github.com/streamplane/coordinator/pkg/request"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a request batch from a YAML file",
	Long: `Submit reads a YAML resource file and applies it to a running
coordinator over HTTP, the same declarative-file workflow as Warren's apply
command.

Examples:
  # Submit a new query
  coordinatorctl submit -f query.yaml

  # Submit a topology change
  coordinatorctl submit -f add-node.yaml`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "YAML resource file to submit (required)")
	submitCmd.Flags().String("coordinator", "http://localhost:9090", "Coordinator HTTP address")
	_ = submitCmd.MarkFlagRequired("file")
}

// CoordinatorResource is the generic envelope submit dispatches on: an
// apiVersion/kind/metadata header plus a kind-specific spec body.
type CoordinatorResource struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ResourceMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

// ResourceMetadata names the resource being submitted.
type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	addr, _ := cmd.Flags().GetString("coordinator")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var resource CoordinatorResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	c := client.NewClient(addr)

	switch resource.Kind {
	case "Query":
		return submitQuery(c, &resource)
	case "StopQuery":
		return submitStopQuery(c, &resource)
	case "ISQPBatch":
		return submitISQPBatch(c, &resource)
	default:
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
}

// specAs re-marshals a generic YAML spec map into a concrete request payload
// type, for the nested operator/edge shapes getInt alone can't cover.
func specAs(spec map[string]interface{}, out interface{}) error {
	raw, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("re-marshal spec: %w", err)
	}
	return yaml.Unmarshal(raw, out)
}

func submitQuery(c *client.Client, resource *CoordinatorResource) error {
	var req request.AddQueryRequest
	if err := specAs(resource.Spec, &req); err != nil {
		return fmt.Errorf("invalid Query spec: %w", err)
	}
	if err := c.AddQuery(req); err != nil {
		return fmt.Errorf("failed to submit query: %w", err)
	}
	fmt.Printf("✓ query submitted: %s (query_id=%d)\n", resource.Metadata.Name, req.QueryID)
	return nil
}

func submitStopQuery(c *client.Client, resource *CoordinatorResource) error {
	queryID := getInt(resource.Spec, "query_id", 0)
	if queryID == 0 {
		return fmt.Errorf("StopQuery spec requires a non-zero query_id")
	}
	if err := c.StopQuery(uint64(queryID)); err != nil {
		return fmt.Errorf("failed to stop query: %w", err)
	}
	fmt.Printf("✓ query stopped: %s (query_id=%d)\n", resource.Metadata.Name, queryID)
	return nil
}

func submitISQPBatch(c *client.Client, resource *CoordinatorResource) error {
	var batch request.ISQPBatch
	if err := specAs(resource.Spec, &batch); err != nil {
		return fmt.Errorf("invalid ISQPBatch spec: %w", err)
	}
	if err := c.SubmitISQPBatch(batch.Events); err != nil {
		return fmt.Errorf("failed to submit isqp batch: %w", err)
	}
	fmt.Printf("✓ isqp batch submitted: %s (%d events)\n", resource.Metadata.Name, len(batch.Events))
	return nil
}
