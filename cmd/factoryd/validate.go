package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agos-io/factory/internal/playbook"
	"github.com/agos-io/factory/internal/workflow"
)

func newValidateCommand() *cobra.Command {
	var graphDir, playbookDir string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workflow graph and playbook documents",
		Long:  `validate loads every graph and playbook document in the given directories and reports structural problems without starting the daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := 0
			failures += validateGraphs(graphDir)
			failures += validatePlaybooks(playbookDir)
			if failures > 0 {
				return fmt.Errorf("%d document(s) failed validation", failures)
			}
			fmt.Println("all documents valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&graphDir, "graphs", "./graphs", "Directory of workflow graph documents")
	cmd.Flags().StringVar(&playbookDir, "playbooks", "./playbooks", "Directory of playbook documents")
	return cmd
}

func validateGraphs(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Printf("skipping graphs: %v\n", err)
		return 0
	}

	failures := 0
	for _, entry := range entries {
		if entry.IsDir() || !hasDocExt(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		g, err := workflow.LoadGraphFromFile(path)
		if err != nil {
			fmt.Printf("FAIL graph %s: %v\n", path, err)
			failures++
			continue
		}
		fmt.Printf("ok   graph %s (%s)\n", path, g.ID)
	}
	return failures
}

func validatePlaybooks(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Printf("skipping playbooks: %v\n", err)
		return 0
	}

	failures := 0
	for _, entry := range entries {
		if entry.IsDir() || !hasDocExt(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		pb, err := playbook.LoadFromFile(path)
		if err != nil {
			fmt.Printf("FAIL playbook %s: %v\n", path, err)
			failures++
			continue
		}
		fmt.Printf("ok   playbook %s (%s)\n", path, pb.ID)
	}
	return failures
}

func hasDocExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
