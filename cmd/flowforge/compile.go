package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/nidhogg/flowforge/internal/compiler"
	"github.com/nidhogg/flowforge/internal/patterns"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type compileOptions struct {
	basePath    string
	seedPattern string
	outPath     string
	savePattern string
	budget      int
}

func newCompileCommand(opts *rootOptions) *cobra.Command {
	co := &compileOptions{}
	cmd := &cobra.Command{
		Use:   "compile <ops-file>",
		Short: "Compile a patch op file into a chatflow graph",
		Long: `Compile an ordered list of patch ops into a render-safe graph.

The ops file is YAML or JSON, either a bare list of ops or a document
with an "ops" key:

  ops:
    - {op: add_node, node_id: llm, type_name: chatOpenAI}
    - {op: set_param, node_id: llm, param: temperature, value: 0.2}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRequest(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("repair-budget") {
				req.RepairBudget = &co.budget
			}
			if co.basePath != "" {
				if co.seedPattern != "" {
					return errors.New("--base and --seed-pattern are mutually exclusive")
				}
				if req.Base, err = loadGraph(co.basePath); err != nil {
					return err
				}
			}

			a, logger, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close(context.Background())

			if co.seedPattern != "" || co.savePattern != "" {
				if a.Patterns == nil {
					return errors.New("pattern store is not configured (database.neo4j.uri)")
				}
			}
			if co.seedPattern != "" {
				if req.Base, err = a.Patterns.Graph(cmd.Context(), co.seedPattern); err != nil {
					return err
				}
			}

			res, err := a.Compiler.Compile(cmd.Context(), *req)
			if err != nil {
				return err
			}
			if co.savePattern != "" {
				p := &patterns.Pattern{ID: co.savePattern, Name: co.savePattern, Graph: res.Graph}
				if err := a.Patterns.Save(cmd.Context(), p); err != nil {
					return err
				}
			}

			data, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			if co.outPath != "" {
				return os.WriteFile(co.outPath, append(data, '\n'), 0o644)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().StringVar(&co.basePath, "base", "", "compiled graph JSON file to extend")
	cmd.Flags().StringVar(&co.seedPattern, "seed-pattern", "", "stored pattern id to extend")
	cmd.Flags().StringVar(&co.savePattern, "save-pattern", "", "store the result under this pattern id")
	cmd.Flags().StringVarP(&co.outPath, "out", "o", "", "write the result to a file instead of stdout")
	cmd.Flags().IntVar(&co.budget, "repair-budget", 0, "origin repairs this compile may make; -1 for unlimited")
	return cmd
}

type opsFile struct {
	Ops          []compiler.Op `yaml:"ops"`
	RepairBudget *int          `yaml:"repair_budget"`
}

// loadRequest reads an ops file. YAML is a superset of JSON, so one decoder
// handles both.
func loadRequest(path string) (*compiler.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ops file: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse ops file: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("ops file %s is empty", path)
	}

	req := &compiler.Request{}
	if node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Content[0].Decode(&req.Ops); err != nil {
			return nil, fmt.Errorf("decode ops: %w", err)
		}
		return req, nil
	}
	var f opsFile
	if err := node.Content[0].Decode(&f); err != nil {
		return nil, fmt.Errorf("decode ops: %w", err)
	}
	req.Ops = f.Ops
	req.RepairBudget = f.RepairBudget
	return req, nil
}

func loadGraph(path string) (*compiler.CompiledGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read base graph: %w", err)
	}
	// Accept either a bare graph or a compile result.
	var wrapped struct {
		Graph *compiler.CompiledGraph `json:"graph"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Graph != nil {
		return wrapped.Graph, nil
	}
	var g compiler.CompiledGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode base graph: %w", err)
	}
	return &g, nil
}
